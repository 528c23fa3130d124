package cook

import (
	"context"
	"encoding/json"

	"github.com/alimasry/go-camp/model"
)

type associationsField struct {
	Associations []int64 `json:"associations"`
}

type cookedDocument struct {
	*model.DocumentView
	Associations []*model.DocumentView `json:"associations,omitempty"`
}

// EmbedAssociations expands the "associations" array of document ids found
// in the data of a document into the documents themselves. Missing ids are
// skipped. Data without that field cooks to the raw document.
var EmbedAssociations = CookerFunc(func(ctx context.Context, doc *model.DocumentView, load Loader) (any, error) {
	out := cookedDocument{DocumentView: doc}
	if len(doc.Data) == 0 {
		return out, nil
	}
	var field associationsField
	if err := json.Unmarshal(doc.Data, &field); err != nil {
		// Only objects carry associations.
		return out, nil
	}
	for _, id := range field.Associations {
		if id == doc.ID {
			continue
		}
		assoc, err := load(ctx, id)
		if err != nil {
			return nil, err
		}
		if assoc != nil {
			out.Associations = append(out.Associations, assoc)
		}
	}
	return out, nil
})
