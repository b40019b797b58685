package worker

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os/exec"
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

// Valuator evaluates one task payload and returns the serialized result.
type Valuator interface {
	Evaluate(ctx context.Context, taskXML string) (string, error)
}

// AmountFunc produces the valuation amount for one task execution.
type AmountFunc func(ctx context.Context) (float64, error)

// AmountValuator parses the task XML, fills the analytics/price/amount node
// with a generated amount, and serializes the document back. Payloads without
// an amount node pass through unchanged.
type AmountValuator struct {
	Amount AmountFunc
}

// NewAmountValuator builds a valuator over the given amount source. A nil
// source uses the pseudo-random default.
func NewAmountValuator(amount AmountFunc) *AmountValuator {
	if amount == nil {
		amount = RandomAmount
	}
	return &AmountValuator{Amount: amount}
}

// Evaluate implements Valuator.
func (v *AmountValuator) Evaluate(ctx context.Context, taskXML string) (string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(taskXML); err != nil {
		return "", fmt.Errorf("worker: parsing task payload: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return "", fmt.Errorf("worker: task payload has no root element")
	}

	if node := root.FindElement(".//analytics/price/amount"); node != nil {
		amount, err := v.Amount(ctx)
		if err != nil {
			return "", err
		}
		if amount <= 0 {
			return "", fmt.Errorf("worker: amount source returned non-positive value %v", amount)
		}
		node.SetText(strconv.FormatFloat(amount, 'f', 2, 64))
	}

	out, err := doc.WriteToString()
	if err != nil {
		return "", fmt.Errorf("worker: serializing result: %w", err)
	}
	return out, nil
}

// RandomAmount is the default amount source, returning a positive
// two-decimal-friendly value.
func RandomAmount(context.Context) (float64, error) {
	return 1 + rand.Float64()*999, nil
}

// ExecAmount returns an AmountFunc that runs an external command and parses
// its stdout as the amount.
func ExecAmount(command string, args ...string) AmountFunc {
	return func(ctx context.Context) (float64, error) {
		cmd := exec.CommandContext(ctx, command, args...)
		var stdout bytes.Buffer
		cmd.Stdout = &stdout
		if err := cmd.Run(); err != nil {
			return 0, fmt.Errorf("worker: invoking amount generator %s: %w", command, err)
		}
		raw := strings.TrimSpace(stdout.String())
		amount, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, fmt.Errorf("worker: amount generator returned invalid output %q", raw)
		}
		return amount, nil
	}
}
