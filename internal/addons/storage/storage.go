// Package storage declares the storage addon interface: browsing a
// provider's folder tree, downloading files and creating folders.
package storage

import (
	"github.com/pitabwire/addonrt/internal/marshal"
	"github.com/pitabwire/addonrt/internal/operation"
	"github.com/pitabwire/addonrt/model"
)

// InterfaceName is the name persisted in operation identifiers.
const InterfaceName = "storage"

// ItemType distinguishes files from folders.
type ItemType string

const (
	ItemFile   ItemType = "file"
	ItemFolder ItemType = "folder"
)

// EnumMembers implements marshal.Enumeration.
func (ItemType) EnumMembers() []marshal.EnumMember {
	return []marshal.EnumMember{
		{Name: "FILE", Value: ItemFile},
		{Name: "FOLDER", Value: ItemFolder},
	}
}

// ItemRef names an ancestor of an item.
type ItemRef struct {
	ItemID   string `json:"item_id"`
	ItemName string `json:"item_name"`
}

// ItemResult describes one file or folder.
type ItemResult struct {
	ItemID   string   `json:"item_id"`
	ItemName string   `json:"item_name"`
	ItemType ItemType `json:"item_type"`
	// ItemPath lists the ancestors from the root, when the provider knows them.
	ItemPath  []ItemRef `json:"item_path,omitempty" description:"Ancestors from the root"`
	CanBeRoot bool      `json:"can_be_root" default:"true" description:"Whether the item may serve as an integration root"`
}

// ItemSampleResult is one page of items.
type ItemSampleResult struct {
	Items             []ItemResult `json:"items"`
	TotalCount        *int         `json:"total_count" description:"Total number of items, when known"`
	NextSampleCursor  *string      `json:"next_sample_cursor"`
	PrevSampleCursor  *string      `json:"prev_sample_cursor"`
	FirstSampleCursor *string      `json:"first_sample_cursor"`
}

// PageArgs selects a page of a listing.
type PageArgs struct {
	PageCursor string `json:"page_cursor,omitempty" description:"Cursor returned by a previous page"`
}

// ItemArgs names one item.
type ItemArgs struct {
	ItemID string `json:"item_id"`
}

// ChildArgs lists the children of a folder, optionally of one type.
type ChildArgs struct {
	ItemID     string    `json:"item_id"`
	ItemType   *ItemType `json:"item_type" description:"Only list children of this type"`
	PageCursor string    `json:"page_cursor,omitempty"`
}

// CreateFolderArgs creates a folder beneath a parent.
type CreateFolderArgs struct {
	ParentID   string `json:"parent_id"`
	FolderName string `json:"folder_name"`
}

// Operations is the storage interface with typed handles on its operations.
type Operations struct {
	Interface      *operation.Interface
	GetItemInfo    operation.Operation[ItemArgs, ItemResult]
	ListRootItems  operation.Operation[PageArgs, ItemSampleResult]
	ListChildItems operation.Operation[ChildArgs, ItemSampleResult]
	GetDownloadURL operation.Operation[ItemArgs, operation.RedirectResult]
	CreateFolder   operation.Operation[CreateFolderArgs, ItemResult]
}

// Declare builds the storage interface. Build reports every declaration
// error, so the individual errors are not checked here.
func Declare() (*Operations, error) {
	b := operation.NewInterface(InterfaceName, model.CapabilityAccess|model.CapabilityUpdate)
	ops := &Operations{}
	ops.GetItemInfo, _ = operation.Declare[ItemArgs, ItemResult](b,
		"get_item_info", model.KindImmediate, model.CapabilityAccess)
	ops.ListRootItems, _ = operation.Declare[PageArgs, ItemSampleResult](b,
		"list_root_items", model.KindImmediate, model.CapabilityAccess)
	ops.ListChildItems, _ = operation.Declare[ChildArgs, ItemSampleResult](b,
		"list_child_items", model.KindImmediate, model.CapabilityAccess)
	ops.GetDownloadURL, _ = operation.Declare[ItemArgs, operation.RedirectResult](b,
		"get_download_url", model.KindRedirect, model.CapabilityAccess)
	ops.CreateFolder, _ = operation.Declare[CreateFolderArgs, ItemResult](b,
		"create_folder", model.KindImmediate, model.CapabilityUpdate)

	iface, err := b.Build()
	if err != nil {
		return nil, err
	}
	ops.Interface = iface
	return ops, nil
}
