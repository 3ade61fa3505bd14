package daemon

import (
	"os"
	"sync"
	"time"

	"github.com/msgcode/msgcode/internal/config"
	"github.com/msgcode/msgcode/internal/observability"
	"github.com/msgcode/msgcode/internal/toolbus"
	"github.com/msgcode/msgcode/internal/tools/browser"
	"github.com/msgcode/msgcode/internal/tools/desktop"
	toolexec "github.com/msgcode/msgcode/internal/tools/exec"
	"github.com/msgcode/msgcode/internal/tools/files"
	"github.com/msgcode/msgcode/internal/tools/media"
	"github.com/msgcode/msgcode/internal/tools/mem"
	"github.com/msgcode/msgcode/internal/tools/system"
	"github.com/msgcode/msgcode/internal/tools/web"
)

// BusSet caches one tool bus per workspace. File, shell, and desktop
// tools bind their workspace root at registration, and the egress
// policy is baked into the web and browser tools, so a workspace's bus
// is rebuilt when its policy mode changes.
type BusSet struct {
	Logger    *observability.Logger
	Metrics   *observability.Metrics
	StartTime time.Time

	mu    sync.Mutex
	buses map[string]*busEntry
}

type busEntry struct {
	bus        *toolbus.Bus
	policyMode string
}

// NewBusSet returns an empty set. StartTime feeds system_info uptime.
func NewBusSet(logger *observability.Logger, metrics *observability.Metrics, start time.Time) *BusSet {
	return &BusSet{Logger: logger, Metrics: metrics, StartTime: start, buses: map[string]*busEntry{}}
}

// For returns the bus for a workspace, building it on first use or
// after a policy mode flip.
func (s *BusSet) For(workspace string, w *config.Workspace) *toolbus.Bus {
	mode := w.PolicyMode()
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.buses[workspace]; ok && e.policyMode == mode {
		return e.bus
	}
	bus := toolbus.New(s.Logger, s.Metrics)
	s.registerTools(bus, workspace, w, mode)
	s.buses[workspace] = &busEntry{bus: bus, policyMode: mode}
	return bus
}

func (s *BusSet) registerTools(bus *toolbus.Bus, workspace string, w *config.Workspace, mode string) {
	mediaClient := &media.Client{
		BaseURL:       w.GetString(config.KeyMLXBaseURL),
		Model:         w.GetString(config.KeyMLXModelID),
		WorkspacePath: workspace,
	}

	bus.MustRegister(&files.ReadTool{WorkspacePath: workspace})
	bus.MustRegister(&files.WriteTool{WorkspacePath: workspace})
	bus.MustRegister(&files.EditTool{WorkspacePath: workspace})
	bus.MustRegister(&toolexec.BashTool{WorkspacePath: workspace})
	bus.MustRegister(&mem.MemTool{WorkspacePath: workspace})
	bus.MustRegister(&media.TTSTool{Client: mediaClient})
	bus.MustRegister(&media.ASRTool{Client: mediaClient})
	bus.MustRegister(&media.VisionTool{Client: mediaClient})
	bus.MustRegister(&web.SearchTool{SearchURL: os.Getenv("MSGCODE_SEARCH_URL"), PolicyMode: mode})
	bus.MustRegister(&web.FetchTool{PolicyMode: mode})
	bus.MustRegister(&browser.BrowserTool{WorkspacePath: workspace, PolicyMode: mode})
	bus.MustRegister(&desktop.DesktopTool{
		WorkspacePath: workspace,
		DriverCommand: os.Getenv("MSGCODE_DESKTOP_DRIVER"),
	})
	bus.MustRegister(&system.InfoTool{StartTime: s.StartTime})
}
