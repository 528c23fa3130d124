// Package cook runs content processors over raw documents. A processor may
// load other documents; the ids it loads become the associations used to
// invalidate cached dependents.
package cook

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/alimasry/go-camp/model"
)

// Loader resolves the raw form of a document. It returns nil and no error
// when the document does not exist.
type Loader func(ctx context.Context, id int64) (*model.DocumentView, error)

// Cooker turns a raw document into its cooked form. The result must be
// JSON-encodable.
type Cooker interface {
	Cook(ctx context.Context, doc *model.DocumentView, load Loader) (any, error)
}

// CookerFunc adapts a function to a Cooker.
type CookerFunc func(ctx context.Context, doc *model.DocumentView, load Loader) (any, error)

func (f CookerFunc) Cook(ctx context.Context, doc *model.DocumentView, load Loader) (any, error) {
	return f(ctx, doc, load)
}

// Result is the output of Run.
type Result struct {
	Cooked json.RawMessage
	// Referenced lists, sorted, every document other than the cooked one
	// that the cooker asked for, including ids that do not exist yet.
	Referenced []int64
}

// Run cooks doc, recording every document the cooker loads through load.
func Run(ctx context.Context, c Cooker, doc *model.DocumentView, load Loader) (*Result, error) {
	var referenced []int64
	recording := func(ctx context.Context, id int64) (*model.DocumentView, error) {
		if id != doc.ID && !slices.Contains(referenced, id) {
			referenced = append(referenced, id)
		}
		return load(ctx, id)
	}

	out, err := c.Cook(ctx, doc, recording)
	if err != nil {
		return nil, fmt.Errorf("cook document %d: %w", doc.ID, err)
	}
	cooked, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode cooked document %d: %w", doc.ID, err)
	}
	slices.Sort(referenced)
	return &Result{Cooked: cooked, Referenced: referenced}, nil
}

// Passthrough returns the raw document unchanged and references nothing.
var Passthrough = CookerFunc(func(_ context.Context, doc *model.DocumentView, _ Loader) (any, error) {
	return doc, nil
})
