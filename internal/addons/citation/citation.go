// Package citation declares the citation addon interface for reference
// managers: browsing collections and reading item metadata.
package citation

import (
	"github.com/pitabwire/addonrt/internal/marshal"
	"github.com/pitabwire/addonrt/internal/operation"
	"github.com/pitabwire/addonrt/model"
)

// InterfaceName is the name persisted in operation identifiers.
const InterfaceName = "citation"

// ItemType distinguishes collections from documents.
type ItemType string

const (
	ItemCollection ItemType = "collection"
	ItemDocument   ItemType = "document"
)

// EnumMembers implements marshal.Enumeration.
func (ItemType) EnumMembers() []marshal.EnumMember {
	return []marshal.EnumMember{
		{Name: "COLLECTION", Value: ItemCollection},
		{Name: "DOCUMENT", Value: ItemDocument},
	}
}

// ItemResult is one collection or document.
type ItemResult struct {
	ItemID   string   `json:"item_id"`
	ItemName string   `json:"item_name"`
	ItemType ItemType `json:"item_type"`
}

// ItemSampleResult is one page of a listing.
type ItemSampleResult struct {
	Items            []ItemResult `json:"items"`
	TotalCount       *int         `json:"total_count"`
	NextSampleCursor *string      `json:"next_sample_cursor"`
}

// PageArgs selects a page of a listing.
type PageArgs struct {
	PageCursor string `json:"page_cursor,omitempty"`
}

// CollectionArgs lists the members of a collection.
type CollectionArgs struct {
	CollectionID string    `json:"collection_id"`
	ItemType     *ItemType `json:"item_type" description:"Only list members of this type"`
	PageCursor   string    `json:"page_cursor,omitempty"`
}

// DocumentArgs names one document.
type DocumentArgs struct {
	ItemID string `json:"item_id"`
}

// Creator is a contributor to a document.
type Creator struct {
	Role string `json:"role" default:"\"author\""`
	Name string `json:"name"`
}

// DocumentResult is the bibliographic metadata of a document.
type DocumentResult struct {
	ItemID   string    `json:"item_id"`
	Title    string    `json:"title"`
	Creators []Creator `json:"creators,omitempty"`
	Year     *int      `json:"year"`
	DOI      *string   `json:"doi"`
	Tags     []string  `json:"tags,omitempty"`
}

// Operations is the citation interface with typed handles on its operations.
type Operations struct {
	Interface           *operation.Interface
	ListRootCollections operation.Operation[PageArgs, ItemSampleResult]
	ListCollectionItems operation.Operation[CollectionArgs, ItemSampleResult]
	GetDocument         operation.Operation[DocumentArgs, DocumentResult]
}

// Declare builds the citation interface.
func Declare() (*Operations, error) {
	b := operation.NewInterface(InterfaceName, model.CapabilityAccess)
	ops := &Operations{}
	ops.ListRootCollections, _ = operation.Declare[PageArgs, ItemSampleResult](b,
		"list_root_collections", model.KindImmediate, model.CapabilityAccess)
	ops.ListCollectionItems, _ = operation.Declare[CollectionArgs, ItemSampleResult](b,
		"list_collection_items", model.KindImmediate, model.CapabilityAccess)
	ops.GetDocument, _ = operation.Declare[DocumentArgs, DocumentResult](b,
		"get_document", model.KindImmediate, model.CapabilityAccess)

	iface, err := b.Build()
	if err != nil {
		return nil, err
	}
	ops.Interface = iface
	return ops, nil
}
