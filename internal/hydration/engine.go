// Package hydration resolves external references inside task XML before
// dispatch. Elements may reference remote documents (href attributes), other
// parts of the request document (select attributes), or expand into one copy
// per linked node (use="vn:link(...)"). Strategies run in a fixed sequence
// over deep copies; the source document is never mutated.
package hydration

import (
	"fmt"

	"github.com/beevik/etree"
)

// Item is an element undergoing hydration, together with the context node a
// link expansion assigned to it. Relative select expressions resolve against
// the context node.
type Item struct {
	Element *etree.Element
	Context *etree.Element
}

// Strategy transforms a set of hydration items. Strategies may grow the set
// (link expansion) but never shrink it below one item per input.
type Strategy interface {
	Apply(items []Item, root *etree.Element, eng *Engine) ([]Item, error)
}

// Engine coordinates registered hydration strategies.
type Engine struct {
	strategies []Strategy
}

// NewEngine builds an engine with the default strategy sequence: href
// resolution, link expansion, select resolution, then href again so that
// selected content may itself carry references. The href strategy instance is
// shared between both passes so its document cache is reused.
func NewEngine(fetcher Fetcher) *Engine {
	if fetcher == nil {
		fetcher = NewCompositeFetcher(&FileFetcher{})
	}
	href := NewHrefStrategy(fetcher)
	return &Engine{
		strategies: []Strategy{
			href,
			NewLinkStrategy(),
			NewSelectStrategy(),
			href,
		},
	}
}

// NewEngineWith builds an engine running exactly the given strategies.
func NewEngineWith(strategies ...Strategy) *Engine {
	return &Engine{strategies: strategies}
}

// HydrateElement returns fully hydrated copies of element. Strategies may
// return multiple items when duplication is required by a link expansion.
func (e *Engine) HydrateElement(element, root *etree.Element) ([]Item, error) {
	return e.HydrateElementWithContext(element, root, nil)
}

// HydrateElementWithContext hydrates an element with an explicit context node
// for relative select expressions.
func (e *Engine) HydrateElementWithContext(element, root, context *etree.Element) ([]Item, error) {
	if element == nil {
		return nil, fmt.Errorf("hydration: cannot hydrate a nil element")
	}

	items := []Item{{Element: element.Copy(), Context: context}}
	for _, strategy := range e.strategies {
		var err error
		items, err = strategy.Apply(items, root, e)
		if err != nil {
			return nil, err
		}
	}
	return items, nil
}
