// Package employees reads the corporate HR directory and links
// employees to inventory computers.
package employees

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ErrInvalid marks request-validation failures.
var ErrInvalid = errors.New("invalid request")

// Corporate e-mail domains accepted by the linker.
var corporateDomains = []string{"@seagems.com.br", "@sapura.com", "@seagems", "@sapura"}

const terminatedStatus = "DEMITIDO"

// Employee is one row of the HR directory view.
type Employee struct {
	Badge          string  `json:"matricula"`
	Name           string  `json:"nome"`
	BirthDate      *string `json:"data_nascimento"`
	CPF            string  `json:"cpf"`
	Unit           string  `json:"unidade"`
	Role           string  `json:"cargo"`
	Phone          string  `json:"telefone"`
	PersonalEmail  string  `json:"email"`
	CorporateEmail string  `json:"email_corporativo"`
	Terminated     bool    `json:"demitido"`
	Section        string  `json:"secao_atual_descricao"`
}

// Filter narrows a directory listing.
type Filter struct {
	Unit              string
	Search            string
	Limit             int
	IncludeTerminated bool
}

// Directory queries the HR database, a separate pool from the
// inventory cache.
type Directory struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

const (
	connectAttempts       = 5
	connectInitialBackoff = 2 * time.Second
	connectMaxBackoff     = 30 * time.Second
)

// Connect opens the HR pool with the same backoff policy used for the
// inventory cache.
func Connect(ctx context.Context, dsn string, log *zap.Logger) (*Directory, error) {
	var pool *pgxpool.Pool
	err := retry.Do(func() error {
		var err error
		pool, err = pgxpool.New(ctx, dsn)
		if err != nil {
			return err
		}
		if err = pool.Ping(ctx); err != nil {
			pool.Close()
			return err
		}
		return nil
	}, retry.Attempts(connectAttempts), retry.Delay(connectInitialBackoff), retry.MaxDelay(connectMaxBackoff), retry.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("connect to hr database: %w", err)
	}
	return NewDirectory(pool, log), nil
}

func NewDirectory(pool *pgxpool.Pool, log *zap.Logger) *Directory {
	return &Directory{pool: pool, log: log}
}

func (d *Directory) Close() {
	d.pool.Close()
}

// buildListQuery assembles the directory select for a filter. Search
// overrides the limit so a lookup never misses a match behind it.
func buildListQuery(f Filter) (string, []any) {
	sql := `
		SELECT chapa, nome, dtnascimento, cpf, cidade, funcao,
			COALESCE(telefone1, ''), COALESCE(emailpessoal, ''),
			COALESCE(email_corporativo, ''),
			UPPER(COALESCE(situacao_atual_descricao, '')),
			COALESCE(secao_atual_descricao, '')
		FROM vw_funcionarios`

	var where []string
	var args []any
	if f.Unit != "" && !strings.EqualFold(f.Unit, "todas") {
		args = append(args, "%"+f.Unit+"%")
		where = append(where, fmt.Sprintf("cidade ILIKE $%d", len(args)))
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		where = append(where, fmt.Sprintf("(chapa ILIKE $%d OR nome ILIKE $%d)", len(args), len(args)))
	}
	if !f.IncludeTerminated {
		where = append(where, fmt.Sprintf("UPPER(COALESCE(situacao_atual_descricao, '')) <> '%s'", terminatedStatus))
	}
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY nome"
	if f.Limit > 0 && f.Search == "" {
		args = append(args, f.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return sql, args
}

// List returns the employees matching the filter.
func (d *Directory) List(ctx context.Context, f Filter) ([]Employee, error) {
	sql, args := buildListQuery(f)
	rows, err := d.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list employees: %w", err)
	}
	defer rows.Close()

	var employees []Employee
	for rows.Next() {
		var e Employee
		var birth *time.Time
		var status string
		if err := rows.Scan(&e.Badge, &e.Name, &birth, &e.CPF, &e.Unit, &e.Role,
			&e.Phone, &e.PersonalEmail, &e.CorporateEmail, &status, &e.Section); err != nil {
			return nil, fmt.Errorf("scan employee: %w", err)
		}
		if birth != nil {
			s := birth.Format("2006-01-02")
			e.BirthDate = &s
		}
		e.Terminated = status == terminatedStatus
		employees = append(employees, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list employees: %w", err)
	}
	return employees, nil
}

// DisplayNameFromEmail derives the display name stored on a computer
// from a corporate e-mail: the local part with dots as spaces, each
// word title-cased.
func DisplayNameFromEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", fmt.Errorf("%w: corporate e-mail is required", ErrInvalid)
	}

	valid := false
	for _, domain := range corporateDomains {
		if strings.Contains(email, domain) {
			valid = true
			break
		}
	}
	if !valid {
		return "", fmt.Errorf("%w: e-mail must be on the @seagems or @sapura domain", ErrInvalid)
	}

	local, _, found := strings.Cut(email, "@")
	if !found || local == "" {
		return "", fmt.Errorf("%w: malformed e-mail", ErrInvalid)
	}

	words := strings.Split(local, ".")
	for i, word := range words {
		if word == "" {
			continue
		}
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " "), nil
}
