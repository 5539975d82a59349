package storage

import (
	"context"
	"net/http"
	"net/url"

	"github.com/pitabwire/addonrt/internal/dispatch"
	"github.com/pitabwire/addonrt/internal/operation"
	"github.com/pitabwire/addonrt/internal/transport"
)

// restItem is the wire form of an item in the generic REST storage API.
type restItem struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind string `json:"kind"`
	Path []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"path"`
}

type restPage struct {
	Entries    []restItem `json:"entries"`
	Total      *int       `json:"total"`
	NextCursor string     `json:"next_cursor"`
	PrevCursor string     `json:"prev_cursor"`
}

// NewRESTImplementation binds the storage interface to a provider exposing
// the generic REST storage API:
//
//	GET  items/{id}
//	GET  items/{id}/children?cursor=&kind=
//	GET  items/{id}/content
//	POST folders
//
// The root folder has the id "root".
func NewRESTImplementation(name string, ops *Operations) (*dispatch.Implementation, error) {
	return dispatch.NewImplementation(name, ops.Interface,
		dispatch.Handle(ops.GetItemInfo, getItemInfo),
		dispatch.Handle(ops.ListRootItems, listRootItems),
		dispatch.Handle(ops.ListChildItems, listChildItems),
		dispatch.Handle(ops.GetDownloadURL, getDownloadURL),
		dispatch.Handle(ops.CreateFolder, createFolder),
	)
}

func getItemInfo(ctx context.Context, env dispatch.Env, args ItemArgs) (ItemResult, error) {
	var item restItem
	if err := env.Network.GetJSON(ctx, itemPath(args.ItemID), nil, &item); err != nil {
		return ItemResult{}, err
	}
	return item.result(), nil
}

func listRootItems(ctx context.Context, env dispatch.Env, args PageArgs) (ItemSampleResult, error) {
	return listChildren(ctx, env, "root", nil, args.PageCursor)
}

func listChildItems(ctx context.Context, env dispatch.Env, args ChildArgs) (ItemSampleResult, error) {
	return listChildren(ctx, env, args.ItemID, args.ItemType, args.PageCursor)
}

func listChildren(ctx context.Context, env dispatch.Env, id string, kind *ItemType, cursor string) (ItemSampleResult, error) {
	query := url.Values{}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	if kind != nil {
		query.Set("kind", string(*kind))
	}

	var page restPage
	if err := env.Network.GetJSON(ctx, itemPath(id)+"/children", query, &page); err != nil {
		return ItemSampleResult{}, err
	}

	out := ItemSampleResult{Items: make([]ItemResult, 0, len(page.Entries)), TotalCount: page.Total}
	for _, e := range page.Entries {
		out.Items = append(out.Items, e.result())
	}
	if page.NextCursor != "" {
		out.NextSampleCursor = &page.NextCursor
	}
	if page.PrevCursor != "" {
		out.PrevSampleCursor = &page.PrevCursor
	}
	if cursor != "" {
		first := ""
		out.FirstSampleCursor = &first
	}
	return out, nil
}

// getDownloadURL builds the content URL without contacting the provider.
func getDownloadURL(_ context.Context, env dispatch.Env, args ItemArgs) (operation.RedirectResult, error) {
	base, err := transport.ParseBaseURL(env.Network.BaseURL())
	if err != nil {
		return operation.RedirectResult{}, err
	}
	target, err := transport.ResolvePath(base, itemPath(args.ItemID)+"/content")
	if err != nil {
		return operation.RedirectResult{}, err
	}
	return operation.RedirectResult{URL: target.String(), Method: http.MethodGet}, nil
}

func createFolder(ctx context.Context, env dispatch.Env, args CreateFolderArgs) (ItemResult, error) {
	body := map[string]string{"parent_id": args.ParentID, "name": args.FolderName}
	var item restItem
	if err := env.Network.PostJSON(ctx, "folders", body, &item); err != nil {
		return ItemResult{}, err
	}
	return item.result(), nil
}

func itemPath(id string) string {
	return "items/" + url.PathEscape(id)
}

func (i restItem) result() ItemResult {
	r := ItemResult{ItemID: i.ID, ItemName: i.Name, ItemType: ItemFile, CanBeRoot: false}
	if i.Kind == "folder" {
		r.ItemType = ItemFolder
		r.CanBeRoot = true
	}
	for _, p := range i.Path {
		r.ItemPath = append(r.ItemPath, ItemRef{ItemID: p.ID, ItemName: p.Name})
	}
	return r
}
