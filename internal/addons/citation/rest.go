package citation

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/pitabwire/addonrt/internal/dispatch"
	"github.com/pitabwire/addonrt/model"
)

// pageSize is the number of entries requested per listing page.
const pageSize = 50

type restEntry struct {
	Key   string `json:"key"`
	Title string `json:"title"`
	Type  string `json:"type"`
}

type restListing struct {
	Entries []restEntry `json:"entries"`
	Total   int         `json:"total"`
}

type restDocument struct {
	Key      string `json:"key"`
	Title    string `json:"title"`
	Creators []struct {
		Type string `json:"creatorType"`
		Name string `json:"name"`
	} `json:"creators"`
	Date string   `json:"date"`
	DOI  string   `json:"DOI"`
	Tags []string `json:"tags"`
}

// NewRESTImplementation binds the citation interface to a reference manager
// exposing offset-paged listings:
//
//	GET collections?start=&limit=
//	GET collections/{id}/items?start=&limit=&type=
//	GET items/{id}
//
// Page cursors are the decimal offset of the next page.
func NewRESTImplementation(name string, ops *Operations) (*dispatch.Implementation, error) {
	return dispatch.NewImplementation(name, ops.Interface,
		dispatch.Handle(ops.ListRootCollections, listRootCollections),
		dispatch.Handle(ops.ListCollectionItems, listCollectionItems),
		dispatch.Handle(ops.GetDocument, getDocument),
	)
}

func listRootCollections(ctx context.Context, env dispatch.Env, args PageArgs) (ItemSampleResult, error) {
	return list(ctx, env, "collections", nil, args.PageCursor)
}

func listCollectionItems(ctx context.Context, env dispatch.Env, args CollectionArgs) (ItemSampleResult, error) {
	return list(ctx, env, "collections/"+url.PathEscape(args.CollectionID)+"/items", args.ItemType, args.PageCursor)
}

func list(ctx context.Context, env dispatch.Env, path string, kind *ItemType, cursor string) (ItemSampleResult, error) {
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return ItemSampleResult{}, invalidCursor(cursor)
		}
		start = n
	}
	query := url.Values{"start": {strconv.Itoa(start)}, "limit": {strconv.Itoa(pageSize)}}
	if kind != nil {
		query.Set("type", string(*kind))
	}

	var listing restListing
	if err := env.Network.GetJSON(ctx, path, query, &listing); err != nil {
		return ItemSampleResult{}, err
	}

	total := listing.Total
	out := ItemSampleResult{Items: make([]ItemResult, 0, len(listing.Entries)), TotalCount: &total}
	for _, e := range listing.Entries {
		t := ItemDocument
		if e.Type == string(ItemCollection) {
			t = ItemCollection
		}
		out.Items = append(out.Items, ItemResult{ItemID: e.Key, ItemName: e.Title, ItemType: t})
	}
	if next := start + len(listing.Entries); len(listing.Entries) > 0 && next < total {
		cursor := strconv.Itoa(next)
		out.NextSampleCursor = &cursor
	}
	return out, nil
}

func getDocument(ctx context.Context, env dispatch.Env, args DocumentArgs) (DocumentResult, error) {
	var doc restDocument
	if err := env.Network.GetJSON(ctx, "items/"+url.PathEscape(args.ItemID), nil, &doc); err != nil {
		return DocumentResult{}, err
	}

	out := DocumentResult{ItemID: doc.Key, Title: doc.Title, Tags: doc.Tags}
	for _, c := range doc.Creators {
		role := c.Type
		if role == "" {
			role = "author"
		}
		out.Creators = append(out.Creators, Creator{Role: role, Name: c.Name})
	}
	if len(doc.Date) >= 4 {
		if y, err := strconv.Atoi(doc.Date[:4]); err == nil {
			out.Year = &y
		}
	}
	if doc.DOI != "" {
		out.DOI = &doc.DOI
	}
	return out, nil
}

func invalidCursor(cursor string) *model.ErrorEnvelope {
	return &model.ErrorEnvelope{
		Code:    model.ErrInvalidArguments,
		Message: fmt.Sprintf("page cursor %q is not an offset", cursor),
		Details: []model.FieldError{{Field: "/page_cursor", Code: "invalid", Message: "expected a decimal offset"}},
	}
}
