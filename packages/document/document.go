// Package document lays out a parsed HTML page in a virtual viewport so it
// can be scanned for visible links.
package document

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/lukeed/quicklink/packages/domain"
	"golang.org/x/net/html"
)

const (
	DefaultViewportHeight = 800
	DefaultLineHeight     = 24
)

var ErrUnknownRoot = errors.New("root selector matched no element")

// Layout places an anchor in document coordinates. index is the anchor's
// position in document order.
type Layout interface {
	Place(index int, s *goquery.Selection) domain.Rect
}

type LayoutFunc func(index int, s *goquery.Selection) domain.Rect

func (f LayoutFunc) Place(index int, s *goquery.Selection) domain.Rect { return f(index, s) }

// FlowLayout stacks anchors one per line.
func FlowLayout(lineHeight float64) Layout {
	if lineHeight <= 0 {
		lineHeight = DefaultLineHeight
	}
	return LayoutFunc(func(index int, s *goquery.Selection) domain.Rect {
		top := float64(index) * lineHeight
		width := float64(utf8.RuneCountInString(strings.TrimSpace(s.Text()))) * lineHeight / 2
		return domain.Rect{Top: top, Bottom: top + lineHeight, Right: width}
	})
}

type Options struct {
	ViewportHeight float64
	// Layout defaults to FlowLayout(DefaultLineHeight). data-top,
	// data-height, data-left and data-width attributes on an anchor override
	// whatever the layout computed.
	Layout Layout
}

type anchor struct {
	candidate domain.Candidate
	rect      domain.Rect
}

// Page is a quicklink host backed by a goquery document.
type Page struct {
	doc      *goquery.Document
	hostname string
	viewport float64
	anchors  []anchor
	byNode   map[*html.Node]int

	mu       sync.Mutex
	scrollY  float64
	nextID   int
	handlers []handler
}

type handler struct {
	id int
	fn func()
}

func New(pageURL string, doc *goquery.Document, opts Options) (*Page, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	if opts.ViewportHeight <= 0 {
		opts.ViewportHeight = DefaultViewportHeight
	}
	if opts.Layout == nil {
		opts.Layout = FlowLayout(DefaultLineHeight)
	}

	p := &Page{
		doc:      doc,
		hostname: strings.ToLower(base.Hostname()),
		viewport: opts.ViewportHeight,
		byNode:   make(map[*html.Node]int),
	}

	doc.Find("a[href]").Each(func(i int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		resolved, err := base.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		rect := applyOverrides(opts.Layout.Place(len(p.anchors), s), s)
		p.byNode[s.Get(0)] = len(p.anchors)
		p.anchors = append(p.anchors, anchor{
			candidate: domain.Candidate{
				ID:       len(p.anchors),
				Href:     resolved.String(),
				Hostname: strings.ToLower(resolved.Hostname()),
				Text:     strings.Join(strings.Fields(s.Text()), " "),
			},
			rect: rect,
		})
	})
	return p, nil
}

func applyOverrides(r domain.Rect, s *goquery.Selection) domain.Rect {
	height := r.Bottom - r.Top
	width := r.Right - r.Left
	if v, ok := floatAttr(s, "data-top"); ok {
		r.Top = v
	}
	if v, ok := floatAttr(s, "data-height"); ok {
		height = v
	}
	if v, ok := floatAttr(s, "data-left"); ok {
		r.Left = v
	}
	if v, ok := floatAttr(s, "data-width"); ok {
		width = v
	}
	r.Bottom = r.Top + height
	r.Right = r.Left + width
	return r
}

func floatAttr(s *goquery.Selection, name string) (float64, bool) {
	raw, ok := s.Attr(name)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (p *Page) Hostname() string { return p.hostname }

func (p *Page) Title() string {
	return strings.TrimSpace(p.doc.Find("title").First().Text())
}

// Anchors returns the anchors under the first element matching root, in
// document order.
func (p *Page) Anchors(root string) ([]domain.Candidate, error) {
	if root == "" {
		out := make([]domain.Candidate, len(p.anchors))
		for i, a := range p.anchors {
			out[i] = a.candidate
		}
		return out, nil
	}

	container := p.doc.Find(root).First()
	if container.Length() == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRoot, root)
	}
	var out []domain.Candidate
	container.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if i, ok := p.byNode[s.Get(0)]; ok {
			out = append(out, p.anchors[i].candidate)
		}
	})
	return out, nil
}

func (p *Page) ViewportHeight() float64 { return p.viewport }

// BoundingRect returns the candidate's box relative to the current scroll
// position.
func (p *Page) BoundingRect(c domain.Candidate) domain.Rect {
	if c.ID < 0 || c.ID >= len(p.anchors) {
		return domain.Rect{Top: -1, Bottom: -1}
	}
	p.mu.Lock()
	y := p.scrollY
	p.mu.Unlock()

	r := p.anchors[c.ID].rect
	r.Top -= y
	r.Bottom -= y
	return r
}

// Height is the bottom edge of the lowest anchor.
func (p *Page) Height() float64 {
	var h float64
	for _, a := range p.anchors {
		if a.rect.Bottom > h {
			h = a.rect.Bottom
		}
	}
	return h
}

func (p *Page) ScrollY() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scrollY
}

// AtEnd reports whether the viewport shows the bottom of the page.
func (p *Page) AtEnd() bool {
	return p.ScrollY()+p.viewport >= p.Height()
}

// ScrollTo moves the viewport to y, clamped to the page, and delivers a
// scroll event to every handler in registration order.
func (p *Page) ScrollTo(y float64) {
	p.mu.Lock()
	if limit := p.Height() - p.viewport; y > limit {
		y = limit
	}
	if y < 0 {
		y = 0
	}
	p.scrollY = y
	handlers := make([]handler, len(p.handlers))
	copy(handlers, p.handlers)
	p.mu.Unlock()

	for _, h := range handlers {
		h.fn()
	}
}

func (p *Page) ScrollBy(dy float64) {
	p.ScrollTo(p.ScrollY() + dy)
}

func (p *Page) OnScroll(fn func()) (remove func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.handlers = append(p.handlers, handler{id: id, fn: fn})
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, h := range p.handlers {
			if h.id == id {
				p.handlers = append(p.handlers[:i], p.handlers[i+1:]...)
				return
			}
		}
	}
}
