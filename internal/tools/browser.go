package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

const browserMaxText = 48 * 1024

// browserSession owns one headless Chromium instance, launched on first
// use and shared across invocations.
type browserSession struct {
	mu      sync.Mutex
	browser *rod.Browser
}

func (s *browserSession) get() (*rod.Browser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browser != nil {
		return s.browser, nil
	}
	u, err := launcher.New().Headless(true).NoSandbox(true).Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	s.browser = b
	return b, nil
}

// Close shuts the shared browser down; called on server shutdown.
func (s *browserSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browser != nil {
		s.browser.Close()
		s.browser = nil
	}
}

// NewBrowserTool returns the headless-browser tool. It fetches a page,
// waits for load, and returns the rendered text content, which covers
// JS-heavy pages a plain HTTP fetch cannot read.
func NewBrowserTool() (Definition, func()) {
	session := &browserSession{}
	def := Definition{
		Name:        "browser",
		Description: "Open a URL in a headless browser and return the rendered page text",
		Permission:  PermRead,
		Timeout:     90 * time.Second,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{"type": "string", "description": "The URL to open"},
			},
			"required":             []any{"url"},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, inv *Invocation) *Result {
			rawURL, _ := inv.Input["url"].(string)
			if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
				return ErrorResult("url must start with http:// or https://")
			}

			b, err := session.get()
			if err != nil {
				return ErrorResult(err.Error())
			}

			inv.NotifyProgress("loading "+rawURL, 10)
			page, err := b.Context(ctx).Page(proto.TargetCreateTarget{URL: rawURL})
			if err != nil {
				return ErrorResult("open page: " + err.Error())
			}
			defer page.Close()

			if err := page.WaitLoad(); err != nil {
				return ErrorResult("wait load: " + err.Error())
			}
			inv.NotifyProgress("extracting text", 70)

			obj, err := page.Eval(`() => document.title + "\n\n" + document.body.innerText`)
			if err != nil {
				return ErrorResult("extract text: " + err.Error())
			}
			text := obj.Value.Str()
			if len(text) > browserMaxText {
				text = text[:browserMaxText] + "\n[page truncated]"
			}
			if strings.TrimSpace(text) == "" {
				return NewResult("(page rendered no text content)")
			}
			return NewResult(text)
		},
	}
	return def, session.Close
}
