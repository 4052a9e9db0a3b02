// Package web is the HTTP boundary: routing, request decoding, and the
// mapping from internal errors to status codes. All domain work happens
// in the packages it fronts.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"snm/adinventory/activedirectory"
	"snm/adinventory/database"
	"snm/adinventory/dell"
	"snm/adinventory/dhcp"
	"snm/adinventory/employees"
	"snm/adinventory/jobs"
	"snm/adinventory/probe"
	"snm/adinventory/syncer"
)

const requestTimeout = 5 * time.Minute

// Store is the slice of the relational cache the handlers touch.
type Store interface {
	ListComputers(ctx context.Context, inventoryFilter string) ([]database.Computer, error)
	GetComputerByName(ctx context.Context, name string) (*database.Computer, error)
	ServiceTag(ctx context.Context, c *database.Computer) (string, bool)
	SetCurrentUser(ctx context.Context, name, user string) error
	SetEnabled(ctx context.Context, name string, enabled bool, userAccountControl *int64) error
	GetWarranty(ctx context.Context, computerID int64) (*database.WarrantyRow, error)
	SaveWarranty(ctx context.Context, computerID int64, w *dell.Warranty) error
	SaveWarrantyError(ctx context.Context, computerID int64, code, message string) error
	ListWarranties(ctx context.Context, status, organization, search string, limit, offset int) ([]database.WarrantyRow, int, error)
	RecentSyncLogs(ctx context.Context, limit int) ([]database.SyncLog, error)
	Ping(ctx context.Context) error
}

// DirectoryClient serves the live-AD listing and the account toggle.
type DirectoryClient interface {
	ListComputers(ctx context.Context) ([]activedirectory.Record, error)
	SetEnabled(ctx context.Context, name string, enable bool) (*activedirectory.ToggleResult, error)
}

// Vendor performs direct warranty lookups.
type Vendor interface {
	Lookup(ctx context.Context, tag string) (*dell.Warranty, error)
}

// Engine runs the background fleet warranty refresh.
type Engine interface {
	Run(ctx context.Context, jobID string, updateAll bool) error
}

// Reconciler triggers directory synchronization on demand.
type Reconciler interface {
	Incremental(ctx context.Context, triggeredBy string) (syncer.Result, error)
	Complete(ctx context.Context, triggeredBy string) (syncer.Result, error)
}

// Prober detects the logged user of a single host.
type Prober interface {
	Probe(ctx context.Context, host string) *probe.Result
}

// FleetScanner probes the whole fleet.
type FleetScanner interface {
	Scan(ctx context.Context, jobID string, hosts []probe.Host) (*probe.ScanSummary, error)
}

// DHCPService answers MAC lookups across the site servers.
type DHCPService interface {
	Topology() dhcp.Topology
	Search(ctx context.Context, tag string, sites []string) []dhcp.ServerResult
}

// EmployeeDirectory lists the HR view.
type EmployeeDirectory interface {
	List(ctx context.Context, f employees.Filter) ([]employees.Employee, error)
}

// EmployeeLinker binds employees to computers.
type EmployeeLinker interface {
	Link(ctx context.Context, req employees.LinkRequest) (*employees.LinkResult, error)
	Unlink(ctx context.Context, computerName string) (*employees.LinkResult, error)
}

// SchedulerStatus reports the background reconciler loop.
type SchedulerStatus func() (lastRun *time.Time, lastErr string)

type Server struct {
	store     Store
	directory DirectoryClient
	vendor    Vendor
	engine    Engine
	syncer    Reconciler
	prober    Prober
	fleet     FleetScanner
	dhcp      DHCPService
	employees EmployeeDirectory
	linker    EmployeeLinker
	registry  *jobs.Registry
	scheduler SchedulerStatus
	log       *zap.Logger

	corsOrigins []string
}

// Deps carries everything the server fronts.
type Deps struct {
	Store       Store
	Directory   DirectoryClient
	Vendor      Vendor
	Engine      Engine
	Syncer      Reconciler
	Prober      Prober
	Fleet       FleetScanner
	DHCP        DHCPService
	Employees   EmployeeDirectory
	Linker      EmployeeLinker
	Registry    *jobs.Registry
	Scheduler   SchedulerStatus
	CORSOrigins []string
}

func NewServer(deps Deps, log *zap.Logger) *Server {
	return &Server{
		store:       deps.Store,
		directory:   deps.Directory,
		vendor:      deps.Vendor,
		engine:      deps.Engine,
		syncer:      deps.Syncer,
		prober:      deps.Prober,
		fleet:       deps.Fleet,
		dhcp:        deps.DHCP,
		employees:   deps.Employees,
		linker:      deps.Linker,
		registry:    deps.Registry,
		scheduler:   deps.Scheduler,
		log:         log,
		corsOrigins: deps.CORSOrigins,
	}
}

// Router assembles the chi router with the full API surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(requestTimeout))
	r.Use(corsMiddleware(s.corsOrigins))
	r.Use(requestLogger(s.log))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/computers", func(r chi.Router) {
			r.Get("/", s.handleListComputers)
			r.Get("/details/{name}", s.handleComputerDetails)
			r.Get("/{name}/warranty", s.handleComputerWarranty)
			r.Post("/{name}/warranty/refresh", s.handleComputerWarrantyRefresh)
			r.Get("/{name}/current-user", s.handleCurrentUser)
			r.Get("/{name}/last-user", s.handleLastUser)
			r.Post("/{name}/toggle-status", s.handleToggleStatus)

			r.Post("/warranty-refresh", s.handleStartWarrantyJob)
			r.Get("/warranty-refresh/{jobID}", s.handleWarrantyJob)
			r.Get("/warranty-jobs/active", s.handleActiveJobs)

			r.Post("/bulk-update-current-users", s.handleBulkUpdateUsers)

			r.Post("/sync", s.handleSyncIncremental)
			r.Post("/sync-incremental", s.handleSyncIncremental)
			r.Post("/sync-complete", s.handleSyncComplete)
		})

		r.Route("/sync", func(r chi.Router) {
			r.Get("/status", s.handleSyncStatus)
			r.Get("/logs", s.handleSyncLogs)
		})

		r.Route("/warranty", func(r chi.Router) {
			r.Get("/warranties/from-database", s.handleWarrantiesFromDB)
			r.Get("/{serviceTag}", s.handleWarrantyLookup)
		})

		r.Route("/dhcp", func(r chi.Router) {
			r.Get("/servers", s.handleDHCPServers)
			r.Post("/search", s.handleDHCPSearch)
		})

		r.Route("/funcionarios", func(r chi.Router) {
			r.Get("/", s.handleListEmployees)
			r.Post("/vincular-usuario", s.handleLinkUser)
			r.Post("/desvincular-usuario", s.handleUnlinkUser)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "database": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
