package hydration

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// Resolution passes are bounded so that mutually referencing documents fail
// instead of looping.
const maxHrefPasses = 20

// HrefStrategy resolves descendants that declare an href attribute by
// fetching the referenced document and merging the remote node into the
// local one, with local attributes and text taking precedence.
type HrefStrategy struct {
	fetcher Fetcher
	docs    map[string]*etree.Element
}

// NewHrefStrategy builds an href strategy over the given fetcher. Fetched
// documents are cached per URI for the lifetime of the strategy.
func NewHrefStrategy(fetcher Fetcher) *HrefStrategy {
	return &HrefStrategy{
		fetcher: fetcher,
		docs:    make(map[string]*etree.Element),
	}
}

// Apply resolves href references in every item, repeating until none remain.
func (s *HrefStrategy) Apply(items []Item, root *etree.Element, eng *Engine) ([]Item, error) {
	for _, item := range items {
		if err := s.hydrateHrefNodes(item.Element); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (s *HrefStrategy) hydrateHrefNodes(element *etree.Element) error {
	for pass := 0; ; pass++ {
		nodes := descendantsWithAttr(element, "href")
		if len(nodes) == 0 {
			return nil
		}
		if pass >= maxHrefPasses {
			return fmt.Errorf("hydration: href resolution did not converge after %d passes", maxHrefPasses)
		}
		for _, node := range nodes {
			if err := s.hydrateSingleNode(node); err != nil {
				return err
			}
		}
	}
}

func (s *HrefStrategy) hydrateSingleNode(node *etree.Element) error {
	href := node.SelectAttrValue("href", "")
	if href == "" {
		return fmt.Errorf("hydration: element <%s> has an empty href attribute", node.Tag)
	}

	remoteRoot, err := s.remoteDocument(href)
	if err != nil {
		return err
	}

	remote, err := locateRemoteNode(node, remoteRoot, href)
	if err != nil {
		return err
	}

	merged := mergeNodes(node, remote)
	merged.RemoveAttr("href")

	parent := node.Parent()
	if parent == nil {
		return fmt.Errorf("hydration: cannot replace detached element <%s>", node.Tag)
	}
	idx := node.Index()
	parent.InsertChildAt(idx, merged)
	parent.RemoveChild(node)
	return nil
}

func (s *HrefStrategy) remoteDocument(uri string) (*etree.Element, error) {
	if cached, ok := s.docs[uri]; ok {
		return cached, nil
	}
	data, err := s.fetcher.Fetch(uri)
	if err != nil {
		return nil, err
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("hydration: parsing XML from %q: %w", uri, err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("hydration: document at %q has no root element", uri)
	}
	s.docs[uri] = root
	return root, nil
}

// locateRemoteNode finds the single remote counterpart of a local element:
// first by the local element's absolute path, then by a matching name/id
// attribute, finally by tag when the remote document holds exactly one.
func locateRemoteNode(local, remoteRoot *etree.Element, href string) (*etree.Element, error) {
	path := local.GetPath()
	if matches := findPath(remoteRoot, path); len(matches) == 1 {
		return matches[0], nil
	}

	for _, attr := range []string{"name", "id"} {
		value := local.SelectAttrValue(attr, "")
		if value == "" {
			continue
		}
		var attrMatches []*etree.Element
		for _, el := range descendantsByTag(remoteRoot, local.Tag) {
			if el.SelectAttrValue(attr, "") == value {
				attrMatches = append(attrMatches, el)
			}
		}
		if len(attrMatches) == 1 {
			return attrMatches[0], nil
		}
	}

	tagMatches := descendantsByTag(remoteRoot, local.Tag)
	if len(tagMatches) == 1 {
		return tagMatches[0], nil
	}

	return nil, fmt.Errorf("hydration: remote document at %q does not contain a single match for path %q", href, path)
}

// childKey identifies a child for merge pairing: keyed children pair by
// (tag, attr, value), unkeyed children pair by position.
type childKey struct {
	tag   string
	attr  string
	value string
	pos   int
}

func keyOf(el *etree.Element, pos int) childKey {
	for _, attr := range []string{"name", "id"} {
		if a := el.SelectAttr(attr); a != nil {
			return childKey{tag: el.Tag, attr: attr, value: a.Value}
		}
	}
	return childKey{tag: el.Tag, pos: pos}
}

func signatureOf(el *etree.Element) childKey {
	for _, attr := range []string{"name", "id"} {
		if a := el.SelectAttr(attr); a != nil {
			return childKey{tag: el.Tag, attr: attr, value: a.Value}
		}
	}
	return childKey{tag: el.Tag}
}

// mergeNodes combines a local element with its remote counterpart. Remote
// attributes are overlaid by local ones (href excluded); local text wins when
// non-empty; children pair up by key with unmatched remote children appended
// unless a local child shares their signature.
func mergeNodes(local, remote *etree.Element) *etree.Element {
	merged := etree.NewElement(remote.Tag)
	merged.Space = remote.Space

	for _, attr := range remote.Attr {
		merged.CreateAttr(attrName(attr), attr.Value)
	}
	for _, attr := range local.Attr {
		if attr.Space == "" && attr.Key == "href" {
			continue
		}
		merged.CreateAttr(attrName(attr), attr.Value)
	}

	if strings.TrimSpace(local.Text()) != "" {
		merged.SetText(local.Text())
	} else {
		merged.SetText(remote.Text())
	}

	remoteChildren := remote.ChildElements()
	remoteLookup := make(map[childKey]*etree.Element, len(remoteChildren))
	for idx, child := range remoteChildren {
		remoteLookup[keyOf(child, idx)] = child
	}
	consumed := make(map[childKey]bool)

	localChildren := local.ChildElements()
	localSignatures := make(map[childKey]bool, len(localChildren))
	for _, child := range localChildren {
		localSignatures[signatureOf(child)] = true
	}

	for idx, localChild := range localChildren {
		key := keyOf(localChild, idx)
		if remoteChild, ok := remoteLookup[key]; ok {
			merged.AddChild(mergeNodes(localChild, remoteChild))
			consumed[key] = true
		} else {
			merged.AddChild(localChild.Copy())
		}
	}

	for idx, remoteChild := range remoteChildren {
		key := keyOf(remoteChild, idx)
		if consumed[key] {
			continue
		}
		if localSignatures[signatureOf(remoteChild)] {
			continue
		}
		merged.AddChild(remoteChild.Copy())
	}

	return merged
}

func attrName(attr etree.Attr) string {
	if attr.Space != "" {
		return attr.Space + ":" + attr.Key
	}
	return attr.Key
}

// LinkStrategy expands elements carrying use="vn:link(xpath, child)" into
// one clone per matched child, assigning the child as the clone's context
// node for later relative select resolution.
type LinkStrategy struct{}

// NewLinkStrategy builds a link-expansion strategy.
func NewLinkStrategy() *LinkStrategy {
	return &LinkStrategy{}
}

// Apply expands every item whose root element declares a use attribute.
func (s *LinkStrategy) Apply(items []Item, root *etree.Element, eng *Engine) ([]Item, error) {
	var output []Item
	for _, item := range items {
		queue := []Item{item}
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]

			useAttr := current.Element.SelectAttrValue("use", "")
			if useAttr == "" {
				output = append(output, current)
				continue
			}

			clones, err := s.expandUse(current, useAttr, root)
			if err != nil {
				return nil, err
			}
			if len(clones) == 0 {
				return nil, fmt.Errorf("hydration: function %q did not resolve to any target nodes", useAttr)
			}
			queue = append(queue, clones...)
		}
	}
	return output, nil
}

func (s *LinkStrategy) expandUse(item Item, useAttr string, root *etree.Element) ([]Item, error) {
	fn, args, err := parseUseExpression(useAttr)
	if err != nil {
		return nil, err
	}
	if fn != "link" {
		return nil, fmt.Errorf("hydration: unsupported function %q", fn)
	}

	sourcePath, childName := args[0], args[1]
	matches := findPath(root, sourcePath)
	if len(matches) == 0 {
		return nil, fmt.Errorf("hydration: vn:link source path %q did not resolve to any elements", sourcePath)
	}

	var produced []Item
	for _, match := range matches {
		for _, child := range match.SelectElements(childName) {
			clone := item.Element.Copy()
			clone.RemoveAttr("use")
			produced = append(produced, Item{Element: clone, Context: child})
		}
	}
	return produced, nil
}

// parseUseExpression splits "vn:link(a, b)" into the function name and its
// two arguments. Only the vn namespace is recognized.
func parseUseExpression(expr string) (string, [2]string, error) {
	var args [2]string
	if !strings.HasSuffix(expr, ")") {
		return "", args, fmt.Errorf("hydration: invalid use attribute %q, expected parentheses", expr)
	}
	head, argStr, ok := strings.Cut(strings.TrimSuffix(expr, ")"), "(")
	if !ok {
		return "", args, fmt.Errorf("hydration: invalid use attribute %q, expected parentheses", expr)
	}
	prefix, fn, ok := strings.Cut(head, ":")
	if !ok {
		return "", args, fmt.Errorf("hydration: invalid use attribute %q, expected prefix:function", expr)
	}
	if prefix != "vn" {
		return "", args, fmt.Errorf("hydration: unsupported namespace %q in %q", prefix, expr)
	}

	var parts []string
	for _, p := range strings.Split(argStr, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) != 2 {
		return "", args, fmt.Errorf("hydration: function %q expects exactly two arguments, received %d", fn, len(parts))
	}
	args[0], args[1] = parts[0], parts[1]
	return fn, args, nil
}

// SelectStrategy replaces descendants carrying a select attribute with a copy
// of the referenced element. Absolute expressions resolve against the request
// document root and are cached; relative expressions resolve against the
// item's context node.
type SelectStrategy struct {
	cache map[string]*etree.Element
}

// NewSelectStrategy builds a select-resolution strategy.
func NewSelectStrategy() *SelectStrategy {
	return &SelectStrategy{cache: make(map[string]*etree.Element)}
}

// Apply resolves select references in every item.
func (s *SelectStrategy) Apply(items []Item, root *etree.Element, eng *Engine) ([]Item, error) {
	for _, item := range items {
		for _, node := range descendantsWithAttr(item.Element, "select") {
			// Nodes under an unexpanded use element are resolved after
			// that element's own expansion.
			if hasAncestorWithAttr(node, item.Element, "use") {
				continue
			}
			expr := node.SelectAttrValue("select", "")
			if expr == "" {
				return nil, fmt.Errorf("hydration: select attribute without a value on <%s>", node.Tag)
			}

			source, err := s.resolveReference(expr, root, item.Context)
			if err != nil {
				return nil, err
			}

			parent := node.Parent()
			if parent == nil {
				return nil, fmt.Errorf("hydration: cannot replace <%s> without a parent, select %q", node.Tag, expr)
			}
			idx := node.Index()
			parent.InsertChildAt(idx, source.Copy())
			parent.RemoveChild(node)
		}
	}
	return items, nil
}

func (s *SelectStrategy) resolveReference(expr string, root, context *etree.Element) (*etree.Element, error) {
	if strings.HasPrefix(expr, "/") {
		if cached, ok := s.cache[expr]; ok {
			return cached, nil
		}
		match, err := singleMatch(expr, findPath(root, expr))
		if err != nil {
			return nil, err
		}
		s.cache[expr] = match
		return match, nil
	}

	if !strings.HasPrefix(expr, ".") {
		return nil, fmt.Errorf("hydration: select expression %q must be absolute or relative to a function context", expr)
	}
	if context == nil {
		return nil, fmt.Errorf("hydration: select expression %q requires a context node provided by a function", expr)
	}
	if expr == "." {
		return context, nil
	}
	return singleMatch(expr, findPath(context, expr))
}

func singleMatch(expr string, matches []*etree.Element) (*etree.Element, error) {
	if len(matches) != 1 {
		return nil, fmt.Errorf("hydration: select expression %q resolved to %d elements, expected exactly one", expr, len(matches))
	}
	return matches[0], nil
}

// --- tree helpers ---

// findPath evaluates an etree path expression from el, returning nil on a
// malformed expression.
func findPath(el *etree.Element, expr string) []*etree.Element {
	path, err := etree.CompilePath(expr)
	if err != nil {
		return nil
	}
	return el.FindElementsPath(path)
}

// descendantsWithAttr returns the descendants of el (excluding el itself)
// that carry the named attribute, in document order.
func descendantsWithAttr(el *etree.Element, attr string) []*etree.Element {
	var out []*etree.Element
	var walk func(*etree.Element)
	walk = func(cur *etree.Element) {
		for _, child := range cur.ChildElements() {
			if child.SelectAttr(attr) != nil {
				out = append(out, child)
			}
			walk(child)
		}
	}
	walk(el)
	return out
}

// descendantsByTag returns el and its descendants with the given tag.
func descendantsByTag(el *etree.Element, tag string) []*etree.Element {
	var out []*etree.Element
	var walk func(*etree.Element)
	walk = func(cur *etree.Element) {
		if cur.Tag == tag {
			out = append(out, cur)
		}
		for _, child := range cur.ChildElements() {
			walk(child)
		}
	}
	walk(el)
	return out
}

// hasAncestorWithAttr reports whether any ancestor of node, up to and
// including top, carries the named attribute.
func hasAncestorWithAttr(node, top *etree.Element, attr string) bool {
	for cur := node.Parent(); cur != nil; cur = cur.Parent() {
		if cur.SelectAttr(attr) != nil {
			return true
		}
		if cur == top {
			break
		}
	}
	return false
}
