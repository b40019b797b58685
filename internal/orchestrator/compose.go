package orchestrator

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/beevik/etree"
)

// PriorResult is a completed task's outcome from an earlier group, embedded
// into later task payloads.
type PriorResult struct {
	TaskID    string `json:"taskId"`
	ResultKey string `json:"resultKey"`
	Result    string `json:"result"`
}

// TaskResult is a completed task's outcome collected for response assembly.
type TaskResult struct {
	TaskID    string
	ResultKey string
	Result    string
	Attempt   int
}

// ComposeTaskXML builds the dispatchable payload for one task: a
// <taskRequest> carrying a <context> with copies of the shared metadata
// nodes, a <priorResults> block when earlier groups have produced output,
// and the valuation element itself.
func ComposeTaskXML(meta Metadata, valuation *etree.Element, prior []PriorResult) (*etree.Element, error) {
	root := etree.NewElement("taskRequest")

	header := root.CreateElement("context")
	for _, market := range meta.Markets {
		header.AddChild(market.Copy())
	}
	for _, mdl := range meta.Models {
		header.AddChild(mdl.Copy())
	}
	for _, calc := range meta.Calculators {
		header.AddChild(calc.Copy())
	}
	if meta.Portfolio != nil {
		header.AddChild(meta.Portfolio.Copy())
	}

	if len(prior) > 0 {
		container := root.CreateElement("priorResults")
		for _, p := range prior {
			data, err := json.Marshal(p)
			if err != nil {
				return nil, fmt.Errorf("orchestrator: encoding prior result %s: %w", p.TaskID, err)
			}
			node := container.CreateElement("result")
			node.CreateAttr("taskId", p.TaskID)
			node.SetText(string(data))
		}
	}

	root.AddChild(valuation.Copy())
	return root, nil
}

// SerializeElement renders a detached element as an XML string.
func SerializeElement(el *etree.Element) (string, error) {
	doc := etree.NewDocument()
	doc.SetRoot(el.Copy())
	out, err := doc.WriteToString()
	if err != nil {
		return "", fmt.Errorf("orchestrator: serializing <%s>: %w", el.Tag, err)
	}
	return out, nil
}

// BuildResponseXML assembles the final response document: one <group> node
// per group in order, one <task> node per collected result.
func BuildResponseXML(requestID string, grouped [][]TaskResult) (string, error) {
	doc := etree.NewDocument()
	root := doc.CreateElement("response")
	root.CreateAttr("requestId", requestID)

	for groupIdx, tasks := range grouped {
		groupNode := root.CreateElement("group")
		groupNode.CreateAttr("index", strconv.Itoa(groupIdx))
		for _, task := range tasks {
			taskNode := groupNode.CreateElement("task")
			taskNode.CreateAttr("id", task.TaskID)
			taskNode.CreateElement("resultKey").SetText(task.ResultKey)
			taskNode.CreateElement("result").SetText(task.Result)
			taskNode.CreateElement("attempt").SetText(strconv.Itoa(task.Attempt))
		}
	}

	out, err := doc.WriteToString()
	if err != nil {
		return "", fmt.Errorf("orchestrator: serializing response: %w", err)
	}
	return out, nil
}
