// Package orchestrator drives one request end to end: it parses the request
// XML into ordered groups, composes and hydrates task payloads, fans tasks
// out over the dispatch stream, tracks completions through a request-scoped
// consumer group, retries failures within a bounded budget, and assembles the
// final response.
package orchestrator

import (
	"fmt"

	"github.com/beevik/etree"
)

// Task is one valuation inside a group. The element is a detached copy of
// the valuation node from the request document.
type Task struct {
	ID            string
	ValuationName string
	Element       *etree.Element
}

// Group is an ordered partition of a request's tasks.
type Group struct {
	Name  string
	Tasks []Task
}

// Metadata holds the shared context nodes every task payload carries.
type Metadata struct {
	Markets     []*etree.Element
	Models      []*etree.Element
	Calculators []*etree.Element
	Portfolio   *etree.Element
}

// Project is the parsed request: shared metadata plus groups in document
// order. Root is the request document root, used as the hydration context.
type Project struct {
	Metadata Metadata
	Groups   []Group
	Root     *etree.Element
}

// ParseProject parses the request XML. The document element must contain a
// <project> child holding <group> partitions; each <valuation> inside a
// group becomes a task with the id g<G>-t<T>-<name> (both indexes 1-based).
func ParseProject(xml string) (*Project, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(xml); err != nil {
		return nil, fmt.Errorf("orchestrator: parsing request XML: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("orchestrator: request XML has no root element")
	}

	project := root.SelectElement("project")
	if project == nil && root.Tag == "project" {
		project = root
	}
	if project == nil {
		return nil, fmt.Errorf("orchestrator: invalid XML: missing <project> element")
	}

	p := &Project{Root: root}
	for groupIdx, groupEl := range project.SelectElements("group") {
		name := groupEl.SelectAttrValue("name", "")
		if name == "" {
			name = fmt.Sprintf("Group%d", groupIdx+1)
		}
		group := Group{Name: name}
		for valIdx, valuation := range groupEl.SelectElements("valuation") {
			valName := valuation.SelectAttrValue("name", "")
			if valName == "" {
				valName = fmt.Sprintf("valuation-%d", valIdx+1)
			}
			group.Tasks = append(group.Tasks, Task{
				ID:            fmt.Sprintf("g%d-t%d-%s", groupIdx+1, valIdx+1, valName),
				ValuationName: valName,
				Element:       valuation.Copy(),
			})
		}
		p.Groups = append(p.Groups, group)
	}

	for _, market := range project.SelectElements("market") {
		p.Metadata.Markets = append(p.Metadata.Markets, market.Copy())
	}
	for _, mdl := range project.SelectElements("model") {
		p.Metadata.Models = append(p.Metadata.Models, mdl.Copy())
	}
	for _, calc := range project.SelectElements("calculator") {
		p.Metadata.Calculators = append(p.Metadata.Calculators, calc.Copy())
	}
	if portfolio := project.SelectElement("portfolio"); portfolio != nil {
		p.Metadata.Portfolio = portfolio.Copy()
	}

	return p, nil
}

// ValidateWellFormed checks that a payload parses as XML with a root
// element. The front edge rejects submissions that fail this.
func ValidateWellFormed(xml string) error {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(xml); err != nil {
		return fmt.Errorf("malformed XML: %w", err)
	}
	if doc.Root() == nil {
		return fmt.Errorf("malformed XML: no root element")
	}
	return nil
}
