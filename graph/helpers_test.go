package graph

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync/atomic"
)

// testState is shared by the graph package tests. It mirrors the shape of
// a real conversation state: an overwritten scalar, append-only logs and a
// per-node retry map kept up to date by testLedger.
type testState struct {
	Msg     string
	Visited []string
	Log     []string
	Retries map[string]int
}

func reduceTest(prev, delta testState) testState {
	if delta.Msg != "" {
		prev.Msg = delta.Msg
	}
	prev.Visited = append(slices.Clip(prev.Visited), delta.Visited...)
	prev.Log = append(slices.Clip(prev.Log), delta.Log...)
	if len(delta.Retries) > 0 {
		merged := maps.Clone(prev.Retries)
		if merged == nil {
			merged = make(map[string]int)
		}
		maps.Copy(merged, delta.Retries)
		prev.Retries = merged
	}
	return prev
}

type testLedger struct{}

func (testLedger) Attempts(s testState, nodeID string) int { return s.Retries[nodeID] }

func (testLedger) Failed(s testState, nodeID string, err error, attempt int) testState {
	return reduceTest(s, testState{
		Log:     []string{nodeID + ": " + err.Error()},
		Retries: map[string]int{nodeID: attempt},
	})
}

func (testLedger) Succeeded(s testState, nodeID string) testState {
	return reduceTest(s, testState{Retries: map[string]int{nodeID: 0}})
}

var errBoom = errors.New("boom")

// visit returns a node that records its ID and follows route.
func visit(id string, route Next) Node[testState] {
	return NodeFunc[testState](func(_ context.Context, _ testState) NodeResult[testState] {
		return NodeResult[testState]{Delta: testState{Visited: []string{id}}, Route: route}
	})
}

// flaky returns a node that fails its first failures calls and counts every call.
func flaky(id string, failures int32, calls *atomic.Int32) Node[testState] {
	return NodeFunc[testState](func(_ context.Context, _ testState) NodeResult[testState] {
		n := calls.Add(1)
		if n <= failures {
			return Fail[testState](errBoom)
		}
		return NodeResult[testState]{Delta: testState{Visited: []string{id}}}
	})
}

// fixedRouter returns a node that always chooses label.
func fixedRouter(id, label string) Node[testState] {
	return visit(id, Choose(label))
}
