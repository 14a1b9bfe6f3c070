// Package widget binds a third-party bot-challenge widget behind a narrow
// capability interface: render it, read its solved token, reset it.
//
// The provider's script is shared document state. It is injected through a
// process-wide Loader that counts the bindings using it; the first Load
// injects the script and the last Unload removes it.
package widget

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ScriptURL is where the challenge provider serves its widget script.
const ScriptURL = "https://challenges.cloudflare.com/turnstile/v0/api.js?render=explicit"

// Themes the provider understands.
var Themes = []string{"auto", "light", "dark"}

// Handle identifies one rendered widget.
type Handle string

// Options passed to the provider when rendering.
type Options struct {
	SiteKey string
	Theme   string
}

// Provider is the capability surface of the challenge widget once its script
// is loaded.
type Provider interface {
	// Render draws a widget into container and returns its id.
	Render(container string, opts Options) (Handle, error)
	// Response returns the widget's current token, or "" when the challenge
	// is unsolved or its token expired.
	Response(h Handle) string
	Reset(h Handle) error
	Remove(h Handle) error
}

// Document hosts the provider's script.
type Document interface {
	InjectScript(src string) error
	RemoveScript(src string) error
}

// Loader tracks whether the provider's script is present in a Document.
type Loader struct {
	mu   sync.Mutex
	refs int
	doc  Document
	src  string
}

// DefaultLoader is the process-wide loader used by NewBinding.
var DefaultLoader = &Loader{}

// Load injects src into doc unless it is already loaded. Every successful
// Load must be paired with an Unload.
func (l *Loader) Load(doc Document, src string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refs > 0 {
		if doc != l.doc || src != l.src {
			return errors.Errorf("widget script already loaded from %s", l.src)
		}
		l.refs++
		return nil
	}
	if err := doc.InjectScript(src); err != nil {
		return errors.Wrap(err, "inject widget script")
	}
	l.doc, l.src, l.refs = doc, src, 1
	return nil
}

// Unload drops one reference and removes the script with the last one.
func (l *Loader) Unload() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refs == 0 {
		return nil
	}
	l.refs--
	if l.refs > 0 {
		return nil
	}
	doc, src := l.doc, l.src
	l.doc, l.src = nil, ""
	return errors.Wrap(doc.RemoveScript(src), "remove widget script")
}

// Loaded reports whether the script is currently injected.
func (l *Loader) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refs > 0
}

// Binding renders widgets through a Provider. It never caches tokens: they
// are single use and expire, so every Token call asks the widget.
type Binding struct {
	Provider  Provider
	Document  Document
	Loader    *Loader
	ScriptURL string

	mu       sync.Mutex
	rendered map[Handle]bool
}

// NewBinding returns a Binding using DefaultLoader and ScriptURL.
func NewBinding(doc Document, provider Provider) *Binding {
	return &Binding{Provider: provider, Document: doc, Loader: DefaultLoader, ScriptURL: ScriptURL}
}

// Render loads the provider script if needed and renders a widget into
// container.
func (b *Binding) Render(container string, siteKey string, theme string) (Handle, error) {
	if strings.TrimSpace(siteKey) == "" {
		return "", errors.New("widget: empty site key")
	}
	if theme == "" {
		theme = "auto"
	}
	if !validTheme(theme) {
		return "", errors.Errorf("widget: unknown theme %q", theme)
	}
	if err := b.Loader.Load(b.Document, b.ScriptURL); err != nil {
		return "", err
	}
	h, err := b.Provider.Render(container, Options{SiteKey: siteKey, Theme: theme})
	if err != nil {
		b.Loader.Unload()
		return "", errors.Wrapf(err, "render widget into %s", container)
	}
	b.mu.Lock()
	if b.rendered == nil {
		b.rendered = make(map[Handle]bool)
	}
	b.rendered[h] = true
	b.mu.Unlock()
	return h, nil
}

// Token returns the widget's current token. ok is false when the challenge
// is unsolved, expired, or h is not a live widget.
func (b *Binding) Token(h Handle) (token string, ok bool) {
	if !b.live(h) {
		return "", false
	}
	token = b.Provider.Response(h)
	return token, token != ""
}

// Reset clears the widget so the user has to solve a fresh challenge.
func (b *Binding) Reset(h Handle) error {
	if !b.live(h) {
		return errors.Errorf("widget: unknown handle %q", h)
	}
	return errors.Wrap(b.Provider.Reset(h), "reset widget")
}

// Remove tears the widget down and releases its hold on the script.
func (b *Binding) Remove(h Handle) error {
	b.mu.Lock()
	if !b.rendered[h] {
		b.mu.Unlock()
		return nil
	}
	delete(b.rendered, h)
	b.mu.Unlock()
	err := b.Provider.Remove(h)
	if uerr := b.Loader.Unload(); err == nil {
		err = uerr
	}
	return errors.Wrap(err, "remove widget")
}

func (b *Binding) live(h Handle) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rendered[h]
}

func validTheme(theme string) bool {
	for _, t := range Themes {
		if t == theme {
			return true
		}
	}
	return false
}
