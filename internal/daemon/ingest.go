package daemon

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/msgcode/msgcode/internal/agent"
	"github.com/msgcode/msgcode/internal/agent/providers"
	"github.com/msgcode/msgcode/internal/commands"
	"github.com/msgcode/msgcode/internal/config"
	"github.com/msgcode/msgcode/internal/observability"
	"github.com/msgcode/msgcode/internal/routes"
	"github.com/msgcode/msgcode/internal/runner"
	"github.com/msgcode/msgcode/internal/session"
	"github.com/msgcode/msgcode/internal/skills"
	"github.com/msgcode/msgcode/internal/soul"
	"github.com/msgcode/msgcode/internal/state"
	"github.com/msgcode/msgcode/internal/toolbus"
	"github.com/msgcode/msgcode/pkg/models"
)

// Per-chat inbound rate: a short burst is fine, sustained flooding is
// dropped with a single notice per burst.
const (
	chatRatePerSecond = 3
	chatBurst         = 3
)

// mailboxSize bounds queued turns per chat.
const mailboxSize = 16

const (
	msgRateLimited = "消息过于频繁，请稍后再试"
	msgTurnFailed  = "处理消息失败，请稍后再试"
)

// Sender is the outbound half of the transport.
type Sender interface {
	Send(ctx context.Context, chatGUID, text string) error
}

// ProviderFactory builds the model provider for a workspace config.
type ProviderFactory func(w *config.Workspace) providers.Provider

// DefaultProviderFactory picks the provider from agent.provider:
// "openai" goes hosted, everything else talks to the local server.
func DefaultProviderFactory(w *config.Workspace) providers.Provider {
	if w.AgentProvider() == "openai" {
		return providers.NewOpenAI(os.Getenv("OPENAI_API_KEY"), os.Getenv("OPENAI_BASE_URL"))
	}
	return providers.NewLMStudio(w.GetString(config.KeyMLXBaseURL))
}

// chatWorker serializes turns for one chat. One goroutine per chat;
// a chat never has two turns in flight.
type chatWorker struct {
	mailbox chan models.InboundMessage
	limiter *rate.Limiter

	mu            sync.Mutex
	busy          bool
	closed        bool
	notifiedRate  bool
	warnedUnbound bool
}

// enqueue sends to the mailbox unless it is full or already closed.
func (cw *chatWorker) enqueue(msg models.InboundMessage) bool {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.closed {
		return false
	}
	select {
	case cw.mailbox <- msg:
		return true
	default:
		return false
	}
}

func (cw *chatWorker) setBusy(v bool) {
	cw.mu.Lock()
	cw.busy = v
	cw.mu.Unlock()
}

func (cw *chatWorker) isBusy() bool {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.busy
}

// Pipeline turns inbound transport messages into command replies and
// agent turns. Messages for different chats run concurrently; within a
// chat they run strictly in order, and the resume cursor only advances
// after a message has been fully dispatched.
type Pipeline struct {
	Routes    *routes.Store
	State     *state.Store
	Configs   *config.Cache
	Registry  *commands.Registry
	Steering  *agent.Steering
	Buses     *BusSet
	Threads   *session.ThreadStore
	Tmux      *runner.Tmux
	Sender    Sender
	Logger    *observability.Logger
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
	Providers ProviderFactory

	mu      sync.Mutex
	workers map[string]*chatWorker
	wg      sync.WaitGroup
}

// Run consumes the inbound stream until ctx is canceled or the channel
// closes, then drains the per-chat workers.
func (p *Pipeline) Run(ctx context.Context, in <-chan models.InboundMessage) {
	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return
		case msg, ok := <-in:
			if !ok {
				p.shutdown()
				return
			}
			p.dispatch(ctx, msg)
		}
	}
}

func (p *Pipeline) shutdown() {
	p.mu.Lock()
	for _, cw := range p.workers {
		cw.mu.Lock()
		cw.closed = true
		cw.mu.Unlock()
		close(cw.mailbox)
	}
	p.workers = nil
	p.mu.Unlock()
	p.wg.Wait()
}

// dispatch applies the cheap per-message filters and hands the rest to
// the chat's worker.
func (p *Pipeline) dispatch(ctx context.Context, msg models.InboundMessage) {
	guid := routes.NormalizeChatGUID(msg.ChatID)
	ctx = observability.WithChatID(ctx, guid)

	if msg.IsFromMe {
		p.countMessage("dropped")
		p.advanceCursor(ctx, guid, msg)
		return
	}
	if strings.TrimSpace(msg.Text) == "" {
		p.countMessage("dropped")
		p.advanceCursor(ctx, guid, msg)
		return
	}

	cw := p.worker(ctx, guid)

	if !cw.limiter.Allow() {
		p.countMessage("rate_limited")
		cw.mu.Lock()
		notify := !cw.notifiedRate
		cw.notifiedRate = true
		cw.mu.Unlock()
		if notify {
			p.send(ctx, guid, msgRateLimited)
		}
		p.advanceCursor(ctx, guid, msg)
		return
	}
	cw.mu.Lock()
	cw.notifiedRate = false
	cw.mu.Unlock()

	settings := p.loadSettings()
	if settings.OwnerOnly && !settings.IsOwner(msg.Sender) {
		if p.Logger != nil {
			p.Logger.Debug(ctx, "message from non-owner dropped", "sender", msg.Sender)
		}
		p.countMessage("dropped")
		p.advanceCursor(ctx, guid, msg)
		return
	}

	// A free-form message landing while the chat has a turn in flight
	// becomes a steer: the loop drains it between tool executions.
	if cw.isBusy() && !commands.IsRouteCommand(msg.Text) {
		if p.Steering != nil {
			p.Steering.PushSteer(guid, msg.Text)
			if p.Logger != nil {
				p.Logger.Info(ctx, "message queued as steer", "text", observability.UserText(msg.Text))
			}
			p.countMessage("ok")
			p.advanceCursor(ctx, guid, msg)
			return
		}
	}

	if !cw.enqueue(msg) {
		p.countMessage("dropped")
		if p.Logger != nil {
			p.Logger.Warn(ctx, "chat mailbox full, message dropped", "rowid", msg.Rowid)
		}
	}
}

func (p *Pipeline) worker(ctx context.Context, guid string) *chatWorker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.workers == nil {
		p.workers = map[string]*chatWorker{}
	}
	cw, ok := p.workers[guid]
	if !ok {
		cw = &chatWorker{
			mailbox: make(chan models.InboundMessage, mailboxSize),
			limiter: rate.NewLimiter(rate.Limit(chatRatePerSecond), chatBurst),
		}
		p.workers[guid] = cw
		p.wg.Add(1)
		go p.workerLoop(ctx, guid, cw)
	}
	return cw
}

func (p *Pipeline) workerLoop(ctx context.Context, guid string, cw *chatWorker) {
	defer p.wg.Done()
	for msg := range cw.mailbox {
		p.process(ctx, guid, cw, msg)
	}
}

// process handles one message end to end. The cursor advances only
// after a successful dispatch, so a crash mid-turn replays the message.
func (p *Pipeline) process(ctx context.Context, guid string, cw *chatWorker, msg models.InboundMessage) {
	ctx = observability.WithRequestID(ctx, uuid.NewString())

	route, bound := p.Routes.GetByChatID(msg.ChatID)

	if parsed, isCmd := commands.ParseRouteCommand(msg.Text); isCmd && commands.IsRouteCommand(msg.Text) {
		inv := commands.Invocation{
			Command: parsed.Command,
			Args:    parsed.Args,
			RawText: msg.Text,
			ChatID:  msg.ChatID,
			Sender:  msg.Sender,
		}
		if bound {
			inv.Route = &route
		}
		result := p.Registry.Dispatch(ctx, inv)
		reply := result.Message
		if result.Response != "" {
			reply += "\n\n" + result.Response
		}
		if !p.send(ctx, guid, reply) {
			return
		}
		p.countMessage("ok")
		p.advanceCursor(ctx, guid, msg)
		return
	}

	if !bound {
		cw.mu.Lock()
		warn := !cw.warnedUnbound
		cw.warnedUnbound = true
		cw.mu.Unlock()
		if p.Logger != nil {
			if warn {
				p.Logger.Warn(ctx, "message from unbound chat skipped", "chat_guid", guid)
			} else {
				p.Logger.Debug(ctx, "unbound chat message skipped")
			}
		}
		p.countMessage("dropped")
		p.advanceCursor(ctx, guid, msg)
		return
	}

	ctx = observability.WithWorkspace(ctx, route.WorkspacePath)
	cw.setBusy(true)
	if p.Metrics != nil {
		p.Metrics.ActiveChats.Inc()
	}
	turnCtx := ctx
	var span trace.Span
	if p.Tracer != nil {
		turnCtx, span = p.Tracer.StartTurn(ctx, guid)
	}
	err := p.runTurn(turnCtx, guid, route, msg)
	if span != nil {
		observability.RecordError(span, err)
		span.End()
	}
	cw.setBusy(false)
	if p.Metrics != nil {
		p.Metrics.ActiveChats.Dec()
	}
	if err != nil {
		p.countMessage("error")
		p.countError("ingest", err)
		p.send(ctx, guid, userReply(err))
		// The turn failed after consuming the message; replaying it
		// would repeat the failure, so the cursor still advances.
	} else {
		p.countMessage("ok")
	}
	p.advanceCursor(ctx, guid, msg)

	// Steers that the loop never drained become the next turn.
	p.flushLeftoverSteers(ctx, guid, cw, msg)
}

func (p *Pipeline) flushLeftoverSteers(ctx context.Context, guid string, cw *chatWorker, last models.InboundMessage) {
	if p.Steering == nil {
		return
	}
	steers := p.Steering.DrainSteer(guid)
	if len(steers) == 0 {
		return
	}
	texts := make([]string, 0, len(steers))
	for _, s := range steers {
		texts = append(texts, s.Text)
	}
	next := last
	next.Text = strings.Join(texts, "\n")
	next.ID = uuid.NewString()
	if !cw.enqueue(next) {
		if p.Logger != nil {
			p.Logger.Warn(ctx, "leftover steers dropped, mailbox unavailable")
		}
	}
}

// runTurn executes one free-form message on the workspace's resolved
// runner and persists the session artifacts.
func (p *Pipeline) runTurn(ctx context.Context, guid string, route models.RouteEntry, msg models.InboundMessage) error {
	ws := route.WorkspacePath
	w, err := p.Configs.Get(ws)
	if err != nil {
		return err
	}
	res := runner.ResolveWorkspace(w)
	if res.Blocked() {
		return p.sendErr(ctx, guid, res.BlockedReason)
	}

	var reply string
	if res.Runner == runner.KindTmux {
		reply, err = p.runTmuxTurn(ctx, guid, ws, w, msg.Text)
	} else {
		reply, err = p.runDirectTurn(ctx, guid, ws, w, msg.Text)
	}
	if err != nil {
		return err
	}
	if reply == "" {
		reply = "(无回复)"
	}
	if !p.send(ctx, guid, reply) {
		return models.NewCodedError(models.CodeSendFailed, "reply delivery failed")
	}

	if err := session.AppendWindow(ws, guid, models.WindowMessage{Role: models.RoleUser, Content: msg.Text}); err != nil {
		p.logPersistFailure(ctx, "window", err)
	}
	if err := session.AppendWindow(ws, guid, models.WindowMessage{Role: models.RoleAssistant, Content: reply}); err != nil {
		p.logPersistFailure(ctx, "window", err)
	}
	meta := session.ThreadMeta{
		RuntimeKind:   w.RuntimeKind(),
		AgentProvider: w.AgentProvider(),
		TmuxClient:    w.TmuxClient(),
	}
	if _, err := p.Threads.AppendTurn(ws, guid, meta, msg.Text, reply); err != nil {
		p.logPersistFailure(ctx, "thread", err)
	}
	return nil
}

func (p *Pipeline) runTmuxTurn(ctx context.Context, guid, ws string, w *config.Workspace, text string) (string, error) {
	name := runner.SessionName(guid)
	if _, err := p.Tmux.EnsureSession(ctx, name, ws, w.TmuxClient()); err != nil {
		return "", err
	}
	return p.Tmux.Chat(ctx, name, text)
}

func (p *Pipeline) runDirectTurn(ctx context.Context, guid, ws string, w *config.Workspace, text string) (string, error) {
	policy := w.ToolPolicy(p.loadSettings())
	history, err := session.LoadWindow(ws, guid)
	if err != nil {
		return "", err
	}
	kept, summaryText, err := session.RollSummary(ws, guid, history, session.DefaultMaxWindowMessages, session.SummaryOptions{})
	if err != nil {
		return "", err
	}
	soulText, _ := soul.Resolve(ws)

	bus := p.Buses.For(ws, w)
	router := &agent.Router{
		Engine:         p.engine(w, bus),
		ResponderModel: p.modelName(w, config.KeyModelResponder),
		ExecutorModel:  p.modelName(w, config.KeyModelExecutor),
	}
	start := time.Now()
	result, err := router.RoutedChat(ctx, agent.RoutedRequest{
		ChatID:        guid,
		WorkspacePath: ws,
		Soul:          soulText,
		Summary:       summaryText,
		History:       kept,
		UserText:      text,
		Tools:         agent.ToolDecls(bus, policy),
		Policy:        policy,
		MaxTokens:     w.GetInt(config.KeyMLXMaxTokens),
	})
	p.observeModel(w, start, err)
	if err != nil {
		return "", err
	}
	if p.Logger != nil {
		p.Logger.Info(ctx, "turn completed",
			"route", string(result.Route), "rounds", result.Rounds, "tool_calls", result.ToolCalls,
			"duration_ms", time.Since(start).Milliseconds())
	}
	return result.Text, nil
}

// RunSkill executes a named workspace skill as a one-shot agent run.
// Wired into the /skill command.
func (p *Pipeline) RunSkill(ctx context.Context, workspace, name, input string) (string, error) {
	sk, err := skills.Load(workspace, name)
	if err != nil {
		return "", err
	}
	w, err := p.Configs.Get(workspace)
	if err != nil {
		return "", err
	}
	if input == "" {
		input = "开始"
	}
	res, err := p.engine(w, p.Buses.For(workspace, w)).Run(ctx, agent.LoopRequest{
		Model:         p.modelName(w, config.KeyModelExecutor),
		ChatID:        "skill:" + name,
		WorkspacePath: workspace,
		System:        sk.Prompt,
		UserText:      input,
		MaxTokens:     w.GetInt(config.KeyMLXMaxTokens),
	})
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

func (p *Pipeline) engine(w *config.Workspace, bus *toolbus.Bus) *agent.Engine {
	factory := p.Providers
	if factory == nil {
		factory = DefaultProviderFactory
	}
	return &agent.Engine{
		Provider: factory(w),
		Bus:      bus,
		Steering: p.Steering,
		Logger:   p.Logger,
	}
}

// modelName resolves a model key with the single-model fallback.
func (p *Pipeline) modelName(w *config.Workspace, key string) string {
	if name := w.GetString(key); name != "" {
		return name
	}
	return w.GetString(config.KeyMLXModelID)
}

func (p *Pipeline) loadSettings() *config.Settings {
	s, err := config.LoadSettings(config.SettingsPath())
	if err != nil {
		if p.Logger != nil {
			p.Logger.Warn(context.Background(), "settings unreadable, using defaults", "error", err.Error())
		}
		return &config.Settings{}
	}
	return s
}

// send delivers a reply, reporting success so the caller can decide
// whether the cursor may advance.
func (p *Pipeline) send(ctx context.Context, guid, text string) bool {
	if text == "" {
		return true
	}
	if err := p.Sender.Send(ctx, guid, text); err != nil {
		p.countError("transport", err)
		if p.Logger != nil {
			p.Logger.Error(ctx, "reply delivery failed", "error", err.Error())
		}
		return false
	}
	return true
}

// sendErr surfaces a blocked-runner style message as a turn outcome.
func (p *Pipeline) sendErr(ctx context.Context, guid, text string) error {
	if !p.send(ctx, guid, text) {
		return models.NewCodedError(models.CodeSendFailed, "reply delivery failed")
	}
	return nil
}

func (p *Pipeline) advanceCursor(ctx context.Context, guid string, msg models.InboundMessage) {
	if err := p.State.UpdateLastSeen(guid, msg.Rowid, msg.ID); err != nil {
		p.countError("store", err)
		if p.Logger != nil {
			p.Logger.Error(ctx, "cursor update failed", "rowid", msg.Rowid, "error", err.Error())
		}
	}
}

func (p *Pipeline) countMessage(outcome string) {
	if p.Metrics != nil {
		p.Metrics.MessageCounter.WithLabelValues("inbound", outcome).Inc()
	}
}

func (p *Pipeline) countError(component string, err error) {
	if p.Metrics != nil {
		code := string(models.CodeOf(err))
		if code == "" {
			code = "UNKNOWN"
		}
		p.Metrics.ErrorCounter.WithLabelValues(component, code).Inc()
	}
}

func (p *Pipeline) observeModel(w *config.Workspace, start time.Time, err error) {
	if p.Metrics == nil {
		return
	}
	provider := w.AgentProvider()
	model := w.GetString(config.KeyMLXModelID)
	status := "success"
	if err != nil {
		status = "error"
	}
	p.Metrics.ModelRequestCounter.WithLabelValues(provider, model, status).Inc()
	p.Metrics.ModelRequestDuration.WithLabelValues(provider, model).Observe(time.Since(start).Seconds())
}

func (p *Pipeline) logPersistFailure(ctx context.Context, kind string, err error) {
	p.countError("store", err)
	if p.Logger != nil {
		p.Logger.Error(ctx, "session persistence failed", "kind", kind, "error", err.Error())
	}
}

// userReply maps an internal failure to the user-visible message.
func userReply(err error) string {
	var coded *models.CodedError
	if errors.As(err, &coded) && coded.Message != "" {
		return coded.Message
	}
	return msgTurnFailed
}
