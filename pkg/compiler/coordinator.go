package compiler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/capsulehub/capsuled/internal/logger"
	"github.com/capsulehub/capsuled/pkg/kvcache"
)

// compileTimeout bounds one pipeline execution.
const compileTimeout = 2 * time.Minute

// RequestState is the durable record of the last compile request for an
// artifact.
type RequestState struct {
	ArtifactID  string    `json:"artifactId"`
	Type        string    `json:"type,omitempty"`
	RequestedBy string    `json:"requestedBy,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
}

// ResultState is the durable record of the last compile outcome.
type ResultState struct {
	Success     bool      `json:"success"`
	Result      *Result   `json:"result,omitempty"`
	ErrorCode   string    `json:"errorCode,omitempty"`
	ErrorDetail string    `json:"errorDetail,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
}

// State is what inspect returns: the last request and, once one has
// finished, the last result.
type State struct {
	LastRequest *RequestState `json:"lastCompileRequest,omitempty"`
	LastResult  *ResultState  `json:"lastCompileResult,omitempty"`
	InFlight    bool          `json:"inFlight"`
}

// Coordinator serializes compiles per artifact. All requests for one
// artifact id funnel through the same worker; a request arriving while
// a compile runs replaces any not-yet-started pending request, so the
// worker always compiles the latest ask. State survives process
// restarts through the KV cache.
type Coordinator struct {
	pipeline *Pipeline
	cache    kvcache.Cache

	mu     sync.Mutex
	actors map[string]*actor
	wg     sync.WaitGroup
}

type actor struct {
	busy    bool
	pending *RequestState
	state   State
}

// NewCoordinator creates a compile coordinator. The cache may be nil,
// which keeps inspect state in memory only.
func NewCoordinator(pipeline *Pipeline, cache kvcache.Cache) *Coordinator {
	return &Coordinator{
		pipeline: pipeline,
		cache:    cache,
		actors:   make(map[string]*actor),
	}
}

// Compile accepts a compile request and returns immediately; the
// pipeline runs on the artifact's worker goroutine. The boolean reports
// whether a new compile was started (false means it was queued behind a
// running one).
func (c *Coordinator) Compile(ctx context.Context, artifactID, explicitType, requestedBy string) bool {
	req := RequestState{
		ArtifactID:  artifactID,
		Type:        explicitType,
		RequestedBy: requestedBy,
		RequestedAt: time.Now().UTC(),
	}

	c.mu.Lock()
	a, ok := c.actors[artifactID]
	if !ok {
		a = &actor{}
		c.actors[artifactID] = a
	}
	reqCopy := req
	a.state.LastRequest = &reqCopy
	if a.busy {
		a.pending = &reqCopy
		state := a.state
		c.mu.Unlock()
		c.persistState(ctx, artifactID, state)
		return false
	}
	a.busy = true
	a.state.InFlight = true
	state := a.state
	c.mu.Unlock()

	c.persistState(ctx, artifactID, state)
	c.wg.Add(1)
	go c.run(artifactID, req)
	return true
}

// Inspect returns the last compile request/result for an artifact,
// falling back to the KV cache when no worker has run in this process.
func (c *Coordinator) Inspect(ctx context.Context, artifactID string) State {
	c.mu.Lock()
	if a, ok := c.actors[artifactID]; ok {
		state := a.state
		c.mu.Unlock()
		return state
	}
	c.mu.Unlock()

	if c.cache != nil {
		if data, err := c.cache.Get(ctx, stateKey(artifactID)); err == nil {
			var state State
			if json.Unmarshal(data, &state) == nil {
				state.InFlight = false
				return state
			}
		}
	}
	return State{}
}

// Stop blocks until every in-flight compile has finished.
func (c *Coordinator) Stop() {
	c.wg.Wait()
}

func (c *Coordinator) run(artifactID string, req RequestState) {
	defer c.wg.Done()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), compileTimeout)
		result, err := c.pipeline.Compile(ctx, artifactID, req.Type)
		cancel()

		rs := &ResultState{Success: err == nil, Result: result, CompletedAt: time.Now().UTC()}
		if err != nil {
			var cerr *CompileError
			if errors.As(err, &cerr) {
				rs.ErrorCode = cerr.Code
				rs.ErrorDetail = cerr.Detail
			} else {
				rs.ErrorCode = "internal"
				rs.ErrorDetail = err.Error()
			}
			logger.Warn("compile failed",
				logger.KeyArtifactID, artifactID,
				logger.KeyErrorCode, rs.ErrorCode,
				logger.KeyError, err.Error(),
			)
		}

		c.mu.Lock()
		a := c.actors[artifactID]
		a.state.LastResult = rs
		if a.pending != nil {
			req = *a.pending
			a.pending = nil
			state := a.state
			c.mu.Unlock()
			c.persistState(context.Background(), artifactID, state)
			continue
		}
		a.busy = false
		a.state.InFlight = false
		state := a.state
		c.mu.Unlock()
		c.persistState(context.Background(), artifactID, state)
		return
	}
}

// persistState mirrors inspect state to the KV cache. Best-effort.
func (c *Coordinator) persistState(ctx context.Context, artifactID string, state State) {
	if c.cache == nil {
		return
	}
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, stateKey(artifactID), data, 0); err != nil {
		logger.Debug("compile state persist failed",
			logger.KeyArtifactID, artifactID,
			logger.KeyError, err.Error(),
		)
	}
}

func stateKey(artifactID string) string {
	return "compiler-state:" + artifactID
}
