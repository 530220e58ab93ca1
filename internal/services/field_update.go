package services

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/fieldtrace/fieldtrace/internal/logger"
	"github.com/fieldtrace/fieldtrace/internal/models"
	"github.com/fieldtrace/fieldtrace/internal/paths"
)

// DeferredOperation is work a field callback wants to finish after the
// current update call has already answered. Run receives a cancellation probe
// it should poll; a cancelled operation's result is discarded. The returned
// map is response-relative.
type DeferredOperation struct {
	Name     string
	UniqueID any
	Run      func(isCancelled func() bool) (map[string]any, error)
}

// RegisterOperation schedules a deferred operation for the interview the
// current update call is mutating.
type RegisterOperation func(op DeferredOperation)

// FieldUpdateFunc reacts to one changed or unset field. newValue is nil for
// unsets. It may return response-relative values to merge immediately, a
// redirect URL, or schedule deferred work through register (which may be nil
// when no deferred path is available).
type FieldUpdateFunc func(iv *models.Interview, newValue any, fieldPath string, register RegisterOperation) (map[string]any, string, error)

// FieldUpdateCallback binds a response field to its side-effect callback. The
// table is supplied by the surrounding application at construction time.
// Field matches the response-relative path exactly; FieldRegex may be used
// instead for pattern matches. Only callbacks with RunOnCorrectedResponse run
// for reviewer edits of the corrected response.
type FieldUpdateCallback struct {
	Field                  string
	FieldRegex             *regexp.Regexp
	RunOnCorrectedResponse bool
	Callback               FieldUpdateFunc
}

func (c *FieldUpdateCallback) matches(fieldPath string) bool {
	if c.FieldRegex != nil {
		return c.FieldRegex.MatchString(fieldPath)
	}
	return c.Field == fieldPath
}

// findCallback returns the callback for an interview path, with the
// response-relative field path and whether the path targets the corrected
// response. Paths outside the response trees have no callbacks.
func findCallback(callbacks []FieldUpdateCallback, path string) (*FieldUpdateCallback, string, bool) {
	fieldPath, corrected := "", false
	if p, ok := strings.CutPrefix(path, responsePrefix); ok {
		fieldPath = p
	} else if p, ok := strings.CutPrefix(path, correctedPrefix); ok {
		fieldPath, corrected = p, true
	} else {
		return nil, "", false
	}
	for i := range callbacks {
		cb := &callbacks[i]
		if !cb.matches(fieldPath) {
			continue
		}
		if corrected && !cb.RunOnCorrectedResponse {
			return nil, "", false
		}
		return cb, fieldPath, corrected
	}
	return nil, "", false
}

// RunFieldUpdates executes the immediate phase of every matching callback for
// the changed and unset fields, in request order. It returns the extra values
// to merge (fully prefixed) and at most one redirect URL: the first proposed
// redirect wins, later ones are logged and dropped. A failing callback is
// logged and the remaining callbacks still run.
func RunFieldUpdates(
	iv *models.Interview,
	callbacks []FieldUpdateCallback,
	valuesByPath *paths.Values,
	unsetPaths []string,
	register RegisterOperation,
	log *logger.Logger,
) (*paths.Values, string) {
	serverValues := paths.NewValues()
	redirectURL := ""
	if len(callbacks) == 0 {
		return serverValues, ""
	}

	runOne := func(path string, newValue any) {
		cb, fieldPath, corrected := findCallback(callbacks, path)
		if cb == nil {
			return
		}
		updated, url, err := invokeCallback(cb, iv, newValue, fieldPath, register)
		if err != nil {
			log.Error("field update callback failed", "path", path, "error", err)
			return
		}
		tree, prefix := iv.Response, responsePrefix
		if corrected {
			tree, prefix = iv.CorrectedResponse, correctedPrefix
		}
		for key, value := range updated {
			if current, ok := paths.Get(tree, key); ok && reflect.DeepEqual(current, value) {
				continue
			}
			serverValues.Set(prefix+key, value)
		}
		if url != "" {
			if redirectURL == "" {
				redirectURL = url
			} else {
				log.Warn("ignoring extra redirect from field update callback", "path", path, "url", url)
			}
		}
	}

	valuesByPath.Range(func(path string, value any) bool {
		runOne(path, value)
		return true
	})
	for _, path := range unsetPaths {
		runOne(path, nil)
	}
	return serverValues, redirectURL
}

// invokeCallback shields the pipeline from a panicking callback: the panic is
// converted to an error and the update call carries on with whatever values
// were produced before the failure.
func invokeCallback(cb *FieldUpdateCallback, iv *models.Interview, newValue any, fieldPath string, register RegisterOperation) (updated map[string]any, url string, err error) {
	defer func() {
		if r := recover(); r != nil {
			updated, url = nil, ""
			err = fmt.Errorf("callback panic: %v", r)
		}
	}()
	return cb.Callback(iv, newValue, fieldPath, register)
}

// OperationRegistry tracks deferred operations per interview. Registering an
// operation under a name already running with the same unique id is a no-op;
// a different unique id supersedes the running operation, whose late result
// is then discarded.
type OperationRegistry struct {
	mu      sync.Mutex
	running map[string]map[string]any
	wg      sync.WaitGroup
	log     *logger.Logger
}

func NewOperationRegistry(log *logger.Logger) *OperationRegistry {
	return &OperationRegistry{
		running: map[string]map[string]any{},
		log:     log,
	}
}

func (r *OperationRegistry) current(interviewID, opName string) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running[interviewID][opName]
}

// registerFor returns the RegisterOperation handle for one update call.
// Completed, non-cancelled operations deliver their response-relative values
// to deliver as fully prefixed paths.
func (r *OperationRegistry) registerFor(interviewID string, deliver func(values *paths.Values)) RegisterOperation {
	return func(op DeferredOperation) {
		r.mu.Lock()
		if ops, ok := r.running[interviewID]; ok {
			if id, ok := ops[op.Name]; ok && id == op.UniqueID {
				// Same operation already running.
				r.mu.Unlock()
				return
			}
		} else {
			r.running[interviewID] = map[string]any{}
		}
		r.running[interviewID][op.Name] = op.UniqueID
		r.mu.Unlock()

		isCancelled := func() bool {
			return r.current(interviewID, op.Name) != op.UniqueID
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Error("deferred operation panic", "interview", interviewID, "op", op.Name, "panic", rec)
				}
				if !isCancelled() {
					r.mu.Lock()
					delete(r.running[interviewID], op.Name)
					if len(r.running[interviewID]) == 0 {
						delete(r.running, interviewID)
					}
					r.mu.Unlock()
				}
			}()
			values, err := op.Run(isCancelled)
			if err != nil {
				r.log.Error("deferred operation failed", "interview", interviewID, "op", op.Name, "error", err)
				return
			}
			if isCancelled() {
				return
			}
			prefixed := paths.NewValues()
			for key, value := range values {
				prefixed.Set(responsePrefix+key, value)
			}
			if prefixed.Len() > 0 {
				deliver(prefixed)
			}
		}()
	}
}

// Wait blocks until every in-flight deferred operation has finished. Test
// support and graceful shutdown.
func (r *OperationRegistry) Wait() { r.wg.Wait() }
