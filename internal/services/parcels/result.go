package parcels

import (
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/BearBump/ParcelSync/internal/trackerr"
)

// Result is what every operation returns. Failures never escape as panics or errors.
type Result struct {
	Success bool          `json:"success"`
	Data    any           `json:"data,omitempty"`
	Error   string        `json:"error,omitempty"`
	Code    trackerr.Kind `json:"code,omitempty"`
}

func ok(data any) Result {
	return Result{Success: true, Data: data}
}

func failed(err error) Result {
	return Result{Error: err.Error(), Code: trackerr.KindOf(err)}
}

// guard runs fn and converts an error or a panic into a failed result.
func guard(op string, fn func() (any, error)) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("operation panicked", "op", op, "panic", r, "stack", string(debug.Stack()))
			res = failed(trackerr.Internal(fmt.Errorf("%v", r), op+" panicked"))
		}
	}()

	data, err := fn()
	if err != nil {
		if trackerr.KindOf(err) == trackerr.KindInternal {
			slog.Error("operation failed", "op", op, "error", err.Error())
		}
		res = failed(err)
		res.Data = data
		return res
	}
	return ok(data)
}
