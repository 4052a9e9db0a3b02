package employees

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"snm/adinventory/database"
)

// Inventory statuses applied when linking headquarters machines.
const (
	statusInUse = "In use"
	statusSpare = "Spare"
)

const headquartersPrefix = "SHQ"

// ErrNoLinkedUser is returned when unlinking a computer that has no
// current user.
var ErrNoLinkedUser = errors.New("computer has no linked user")

// ComputerStore is the slice of the inventory cache the linker needs.
type ComputerStore interface {
	GetComputerByName(ctx context.Context, name string) (*database.Computer, error)
	SetCurrentUser(ctx context.Context, name, user string) error
	SetInventoryStatus(ctx context.Context, name, status string) error
}

// LinkRequest binds an employee to a computer.
type LinkRequest struct {
	ComputerName   string `json:"computer_name"`
	Badge          string `json:"matricula"`
	Name           string `json:"nome"`
	CorporateEmail string `json:"email_corporativo"`
}

// LinkResult reports the state after a link or unlink.
type LinkResult struct {
	ComputerName  string `json:"computer_name"`
	CurrentUser   string `json:"usuario_atual,omitempty"`
	PreviousUser  string `json:"usuario_anterior,omitempty"`
	StatusApplied string `json:"status_atualizado,omitempty"`
}

// Linker applies employee assignments to the inventory cache.
type Linker struct {
	store ComputerStore
	log   *zap.Logger
}

func NewLinker(store ComputerStore, log *zap.Logger) *Linker {
	return &Linker{store: store, log: log}
}

// Link assigns the employee to the computer. The display name comes
// from the corporate e-mail, the existing user is demoted to previous,
// and headquarters machines get their status flipped to in-use.
func (l *Linker) Link(ctx context.Context, req LinkRequest) (*LinkResult, error) {
	if req.ComputerName == "" || req.Badge == "" || req.CorporateEmail == "" {
		return nil, fmt.Errorf("%w: computer_name, matricula and email_corporativo are required", ErrInvalid)
	}

	displayName, err := DisplayNameFromEmail(req.CorporateEmail)
	if err != nil {
		return nil, err
	}

	computer, err := l.store.GetComputerByName(ctx, req.ComputerName)
	if err != nil {
		return nil, err
	}

	if err := l.store.SetCurrentUser(ctx, computer.Name, displayName); err != nil {
		return nil, fmt.Errorf("link user: %w", err)
	}

	result := &LinkResult{
		ComputerName: computer.Name,
		CurrentUser:  displayName,
		PreviousUser: previousAfterLink(computer, displayName),
	}
	if isHeadquarters(computer.Name) {
		if err := l.store.SetInventoryStatus(ctx, computer.Name, statusInUse); err != nil {
			return nil, fmt.Errorf("update status: %w", err)
		}
		result.StatusApplied = statusInUse
	}

	l.log.Info("employee linked",
		zap.String("computer", computer.Name),
		zap.String("user", displayName),
		zap.String("badge", req.Badge))
	return result, nil
}

// Unlink clears the computer's current user, demoting it to previous.
// Headquarters machines go back to spare.
func (l *Linker) Unlink(ctx context.Context, computerName string) (*LinkResult, error) {
	if computerName == "" {
		return nil, fmt.Errorf("%w: computer_name is required", ErrInvalid)
	}

	computer, err := l.store.GetComputerByName(ctx, computerName)
	if err != nil {
		return nil, err
	}
	if computer.CurrentUser == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoLinkedUser, computer.Name)
	}

	if err := l.store.SetCurrentUser(ctx, computer.Name, ""); err != nil {
		return nil, fmt.Errorf("unlink user: %w", err)
	}

	result := &LinkResult{
		ComputerName: computer.Name,
		PreviousUser: computer.CurrentUser,
	}
	if isHeadquarters(computer.Name) {
		if err := l.store.SetInventoryStatus(ctx, computer.Name, statusSpare); err != nil {
			return nil, fmt.Errorf("update status: %w", err)
		}
		result.StatusApplied = statusSpare
	}

	l.log.Info("employee unlinked",
		zap.String("computer", computer.Name),
		zap.String("user", computer.CurrentUser))
	return result, nil
}

// previousAfterLink mirrors the demotion the store performs: a distinct
// non-empty current user becomes the previous one.
func previousAfterLink(c *database.Computer, newUser string) string {
	if c.CurrentUser != "" && c.CurrentUser != newUser {
		return c.CurrentUser
	}
	return c.PreviousUser
}

func isHeadquarters(name string) bool {
	return strings.HasPrefix(strings.ToUpper(name), headquartersPrefix)
}
