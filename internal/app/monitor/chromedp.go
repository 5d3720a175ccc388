package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/cerebrum-dev/cerebrum/internal/domain"
)

// bindingName is the page-side function the error hook reports through.
const bindingName = "__cerebrumReport"

// errorHook forwards uncaught errors and unhandled rejections as JSON
// {message, source, line, column, error}.
const errorHook = `(() => {
  const send = (d) => { try { window.` + bindingName + `(JSON.stringify(d)); } catch (_) {} };
  window.addEventListener('error', (e) => send({
    message: e.message || 'Script error',
    source: e.filename || '',
    line: e.lineno || 0,
    column: e.colno || 0,
    error: e.error && e.error.stack ? String(e.error.stack) : String(e.error || ''),
  }));
  window.addEventListener('unhandledrejection', (e) => {
    const r = e.reason;
    send({
      message: 'Unhandled promise rejection: ' + (r && r.message ? r.message : String(r)),
      source: '', line: 0, column: 0,
      error: r && r.stack ? String(r.stack) : '',
    });
  });
})();`

type hookPayload struct {
	Message string `json:"message"`
	Source  string `json:"source"`
	Line    int64  `json:"line"`
	Column  int64  `json:"column"`
	Error   string `json:"error"`
}

// ChromeConfig configures the headless Chrome launcher.
type ChromeConfig struct {
	ExecPath          string // empty = search PATH
	NoSandbox         bool
	ObservationWindow time.Duration
	NavigationTimeout time.Duration
}

// ChromeLauncher starts headless Chrome through chromedp.
type ChromeLauncher struct {
	config ChromeConfig
}

// NewChromeLauncher creates a launcher.
func NewChromeLauncher(cfg ChromeConfig) *ChromeLauncher {
	def := DefaultConfig()
	if cfg.ObservationWindow <= 0 {
		cfg.ObservationWindow = def.ObservationWindow
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = def.NavigationTimeout
	}
	return &ChromeLauncher{config: cfg}
}

// Launch starts a browser process.
func (l *ChromeLauncher) Launch(ctx context.Context) (Browser, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:], chromedp.DisableGPU)
	if l.config.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.config.ExecPath))
	}
	if l.config.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	stop := context.AfterFunc(ctx, browserCancel)
	err := chromedp.Run(browserCtx)
	stop()
	if err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	return &chromeBrowser{
		ctx:         browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
		config:      l.config,
	}, nil
}

type chromeBrowser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	config      ChromeConfig
}

// Observe opens target in a new tab with listeners attached before navigation.
func (b *chromeBrowser) Observe(ctx context.Context, target string, sink chan<- domain.ErrorEvent) error {
	tabCtx, cancel := chromedp.NewContext(b.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	l := newListener(target, sink)
	defer l.stop()
	chromedp.ListenTarget(tabCtx, l.handle)

	err := chromedp.Run(tabCtx,
		network.Enable(),
		runtime.Enable(),
		runtime.AddBinding(bindingName),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(errorHook).Do(ctx)
			return err
		}),
	)
	if err != nil {
		return fmt.Errorf("prepare page: %w", err)
	}

	navCtx, navCancel := context.WithTimeout(tabCtx, b.config.NavigationTimeout)
	err = chromedp.Run(navCtx, chromedp.Navigate(target))
	navCancel()
	if err != nil {
		return fmt.Errorf("navigate: %w", err)
	}

	if err := chromedp.Run(tabCtx, chromedp.Sleep(b.config.ObservationWindow)); err != nil && ctx.Err() == nil {
		return fmt.Errorf("observe: %w", err)
	}
	return ctx.Err()
}

func (b *chromeBrowser) Close() error {
	err := chromedp.Cancel(b.ctx)
	b.allocCancel()
	return err
}

// ─── Listener ───────────────────────────────────────────────────────────────

// listener turns CDP events into ErrorEvents on a page's channel. CDP
// callbacks must not block, so a full channel drops the event.
type listener struct {
	target string
	sink   chan<- domain.ErrorEvent

	mu       sync.Mutex
	stopped  bool
	dropped  int
	requests map[network.RequestID]string
}

func newListener(target string, sink chan<- domain.ErrorEvent) *listener {
	return &listener{target: target, sink: sink, requests: make(map[network.RequestID]string)}
}

func (l *listener) emit(ev domain.ErrorEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case l.sink <- ev:
	default:
		l.dropped++
	}
}

// stop detaches the listener from the sink. Events arriving later are ignored.
func (l *listener) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	if l.dropped > 0 {
		log.Printf("[monitor] %s: dropped %d event(s), page channel full", l.target, l.dropped)
	}
}

func (l *listener) handle(ev interface{}) {
	switch ev := ev.(type) {
	case *runtime.EventConsoleAPICalled:
		l.emit(domain.ErrorEvent{
			URL:   l.target,
			Type:  domain.EventConsole,
			Level: string(ev.Type),
			Text:  consoleText(ev.Args),
		})

	case *runtime.EventBindingCalled:
		if ev.Name != bindingName {
			return
		}
		var p hookPayload
		if err := json.Unmarshal([]byte(ev.Payload), &p); err != nil {
			p.Message = ev.Payload
		}
		text := p.Message
		if p.Error != "" && !strings.Contains(p.Error, p.Message) {
			text += "\n" + p.Error
		} else if p.Error != "" {
			text = p.Error
		}
		l.emit(domain.ErrorEvent{
			URL:    l.target,
			Type:   domain.EventPageError,
			Text:   text,
			Source: p.Source,
			Line:   p.Line,
			Column: p.Column,
		})

	case *network.EventRequestWillBeSent:
		if ev.Request != nil {
			l.mu.Lock()
			l.requests[ev.RequestID] = ev.Request.URL
			l.mu.Unlock()
		}

	case *network.EventLoadingFailed:
		l.mu.Lock()
		u := l.requests[ev.RequestID]
		l.mu.Unlock()
		if u == "" {
			u = l.target
		}
		l.emit(domain.ErrorEvent{
			URL:  u,
			Type: domain.EventRequestFailed,
			Text: fmt.Sprintf("%s %s", ev.ErrorText, u),
		})

	case *network.EventResponseReceived:
		if ev.Response == nil || ev.Response.Status < 400 {
			return
		}
		l.emit(domain.ErrorEvent{
			URL:  ev.Response.URL,
			Type: domain.EventRequestFailed,
			Text: fmt.Sprintf("HTTP %d %s %s", ev.Response.Status, ev.Response.StatusText, ev.Response.URL),
		})
	}
}

// consoleText renders console arguments the way DevTools prints them.
func consoleText(args []*runtime.RemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a == nil {
			continue
		}
		switch {
		case len(a.Value) > 0:
			var s string
			if err := json.Unmarshal([]byte(a.Value), &s); err == nil {
				parts = append(parts, s)
			} else {
				parts = append(parts, string(a.Value))
			}
		case a.Description != "":
			parts = append(parts, a.Description)
		case a.UnserializableValue != "":
			parts = append(parts, string(a.UnserializableValue))
		default:
			parts = append(parts, string(a.Type))
		}
	}
	return strings.Join(parts, " ")
}
