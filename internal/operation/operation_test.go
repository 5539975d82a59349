package operation

import (
	"testing"

	"github.com/pitabwire/addonrt/model"
)

type itemRef struct {
	ItemID string `json:"item_id"`
}

type noArgs struct{}

type itemList struct {
	Items []string `json:"items"`
}

const fileVocabulary = model.CapabilityAccess | model.CapabilityUpdate

func TestDeclare_success(t *testing.T) {
	b := NewInterface("storage", fileVocabulary)
	op, err := Declare[noArgs, itemList](b, "list_root_items", model.KindImmediate, model.CapabilityAccess)
	if err != nil {
		t.Fatalf("Declare() error = %v", err)
	}
	iface, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	decl, ok := iface.Lookup("list_root_items")
	if !ok {
		t.Fatal("Lookup(list_root_items) not found")
	}
	if decl != op.Declaration() {
		t.Error("typed handle should point at the registered declaration")
	}
	if decl.Interface != "storage" || decl.Kind != model.KindImmediate || decl.Capability != model.CapabilityAccess {
		t.Errorf("declaration = %s", decl)
	}
	if len(decl.Params.Fields) != 0 {
		t.Errorf("params fields = %d, want 0", len(decl.Params.Fields))
	}
	if got := iface.Identifier("list_root_items").String(); got != "storage:list_root_items" {
		t.Errorf("Identifier = %q", got)
	}
}

func TestDeclare_duplicateOperation(t *testing.T) {
	b := NewInterface("storage", fileVocabulary)
	MustDeclare[noArgs, itemList](b, "list_root_items", model.KindImmediate, model.CapabilityAccess)

	_, err := Declare[itemRef, itemList](b, "list_root_items", model.KindImmediate, model.CapabilityAccess)
	if !model.IsCode(err, model.ErrDuplicateOperation) {
		t.Fatalf("Declare() error = %v, want DUPLICATE_OPERATION", err)
	}

	if _, err := b.Build(); !model.IsCode(err, model.ErrDuplicateOperation) {
		t.Errorf("Build() error = %v, want DUPLICATE_OPERATION", err)
	}
}

func TestDeclare_rejectsInvalidDeclarations(t *testing.T) {
	tests := []struct {
		name    string
		declare func(b *Builder) error
		code    string
	}{
		{
			name: "no capability",
			declare: func(b *Builder) error {
				_, err := Declare[noArgs, itemList](b, "op", model.KindImmediate, model.CapabilityNone)
				return err
			},
			code: model.ErrInvalidDeclaration,
		},
		{
			name: "two capabilities",
			declare: func(b *Builder) error {
				_, err := Declare[noArgs, itemList](b, "op", model.KindImmediate, model.CapabilityAccess|model.CapabilityUpdate)
				return err
			},
			code: model.ErrInvalidDeclaration,
		},
		{
			name: "capability outside vocabulary",
			declare: func(b *Builder) error {
				_, err := Declare[noArgs, itemList](b, "op", model.KindImmediate, model.CapabilityExecute)
				return err
			},
			code: model.ErrInvalidDeclaration,
		},
		{
			name: "primitive result",
			declare: func(b *Builder) error {
				_, err := Declare[noArgs, string](b, "op", model.KindImmediate, model.CapabilityAccess)
				return err
			},
			code: model.ErrTypeNotConvertible,
		},
		{
			name: "bare collection result",
			declare: func(b *Builder) error {
				_, err := Declare[noArgs, []itemRef](b, "op", model.KindImmediate, model.CapabilityAccess)
				return err
			},
			code: model.ErrTypeNotConvertible,
		},
		{
			name: "unconvertible parameters",
			declare: func(b *Builder) error {
				_, err := Declare[map[string]any, itemList](b, "op", model.KindImmediate, model.CapabilityAccess)
				return err
			},
			code: model.ErrTypeNotConvertible,
		},
		{
			name: "redirect without redirect result",
			declare: func(b *Builder) error {
				_, err := Declare[itemRef, itemList](b, "op", model.KindRedirect, model.CapabilityAccess)
				return err
			},
			code: model.ErrInvalidDeclaration,
		},
		{
			name: "unknown kind",
			declare: func(b *Builder) error {
				_, err := Declare[noArgs, itemList](b, "op", model.OperationKind("SOON"), model.CapabilityAccess)
				return err
			},
			code: model.ErrInvalidDeclaration,
		},
		{
			name: "name with separator",
			declare: func(b *Builder) error {
				_, err := Declare[noArgs, itemList](b, "a:b", model.KindImmediate, model.CapabilityAccess)
				return err
			},
			code: model.ErrInvalidDeclaration,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewInterface("storage", fileVocabulary)
			err := tt.declare(b)
			if !model.IsCode(err, tt.code) {
				t.Fatalf("error = %v, want %s", err, tt.code)
			}
			if _, err := b.Build(); err == nil {
				t.Error("Build() should fail after a rejected declaration")
			}
		})
	}
}

func TestDeclare_redirect(t *testing.T) {
	b := NewInterface("storage", fileVocabulary)
	op, err := Declare[itemRef, RedirectResult](b, "get_download_url", model.KindRedirect, model.CapabilityAccess)
	if err != nil {
		t.Fatalf("Declare() error = %v", err)
	}
	method, ok := op.Declaration().Result.Field("method")
	if !ok {
		t.Fatal("RedirectResult should have a method field")
	}
	if def, _ := method.Default(); def != "GET" {
		t.Errorf("method default = %v, want GET", def)
	}
}

func TestMustDeclare_panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustDeclare should panic on an invalid declaration")
		}
	}()
	b := NewInterface("storage", fileVocabulary)
	MustDeclare[noArgs, string](b, "op", model.KindImmediate, model.CapabilityAccess)
}

func TestDeclare_afterBuild(t *testing.T) {
	b := NewInterface("storage", fileVocabulary)
	if _, err := b.Build(); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if _, err := Declare[noArgs, itemList](b, "late", model.KindImmediate, model.CapabilityAccess); err == nil {
		t.Error("Declare after Build should fail")
	}
}

func TestOperationsFor(t *testing.T) {
	b := NewInterface("storage", fileVocabulary)
	MustDeclare[noArgs, itemList](b, "list_root_items", model.KindImmediate, model.CapabilityAccess)
	MustDeclare[itemRef, itemList](b, "create_folder", model.KindImmediate, model.CapabilityUpdate)
	MustDeclare[itemRef, itemList](b, "list_child_items", model.KindImmediate, model.CapabilityAccess)
	iface, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	tests := []struct {
		granted model.Capability
		want    []string
	}{
		{model.CapabilityNone, nil},
		{model.CapabilityAccess, []string{"list_root_items", "list_child_items"}},
		{model.CapabilityUpdate, []string{"create_folder"}},
		{fileVocabulary, []string{"list_root_items", "create_folder", "list_child_items"}},
	}
	for _, tt := range tests {
		t.Run(tt.granted.String(), func(t *testing.T) {
			got := names(iface.OperationsFor(tt.granted))
			if !equalStrings(got, tt.want) {
				t.Errorf("OperationsFor(%s) = %v, want %v", tt.granted, got, tt.want)
			}
		})
	}

	if got := len(iface.Operations()); got != 3 {
		t.Errorf("Operations() = %d, want 3", got)
	}
}

func TestExtend(t *testing.T) {
	base := NewInterface("storage", model.CapabilityAccess)
	MustDeclare[noArgs, itemList](base, "list_root_items", model.KindImmediate, model.CapabilityAccess)
	baseIface, err := base.Build()
	if err != nil {
		t.Fatalf("base Build() error = %v", err)
	}

	b := NewInterface("versioned_storage", fileVocabulary).Extend(baseIface)
	MustDeclare[itemRef, itemList](b, "list_versions", model.KindImmediate, model.CapabilityAccess)
	iface, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	got := names(iface.Operations())
	want := []string{"list_root_items", "list_versions"}
	if !equalStrings(got, want) {
		t.Errorf("Operations() = %v, want %v", got, want)
	}
	if bases := iface.Bases(); len(bases) != 1 || bases[0] != "storage" {
		t.Errorf("Bases() = %v, want [storage]", bases)
	}
	if d, _ := iface.Lookup("list_root_items"); d.Interface != "storage" {
		t.Errorf("inherited declaration interface = %q, want storage", d.Interface)
	}
	if len(baseIface.Operations()) != 1 {
		t.Error("extending must not modify the base interface")
	}
}

func TestExtend_redeclaringInheritedOperation(t *testing.T) {
	base := NewInterface("storage", model.CapabilityAccess)
	MustDeclare[noArgs, itemList](base, "list_root_items", model.KindImmediate, model.CapabilityAccess)
	baseIface, _ := base.Build()

	b := NewInterface("versioned_storage", fileVocabulary).Extend(baseIface)
	_, err := Declare[noArgs, itemList](b, "list_root_items", model.KindImmediate, model.CapabilityAccess)
	if !model.IsCode(err, model.ErrDuplicateOperation) {
		t.Errorf("error = %v, want DUPLICATE_OPERATION", err)
	}
}

func TestExtend_vocabularyMismatch(t *testing.T) {
	base := NewInterface("computing", model.CapabilityExecute)
	MustDeclare[noArgs, itemList](base, "submit_job", model.KindEventual, model.CapabilityExecute)
	baseIface, _ := base.Build()

	b := NewInterface("storage", model.CapabilityAccess).Extend(baseIface)
	if _, err := b.Build(); !model.IsCode(err, model.ErrInvalidDeclaration) {
		t.Errorf("Build() error = %v, want INVALID_DECLARATION", err)
	}
}

func TestDeclaration_Schemas(t *testing.T) {
	b := NewInterface("storage", fileVocabulary)
	op := MustDeclare[itemRef, itemList](b, "get_item_info", model.KindImmediate, model.CapabilityAccess)

	params := op.Declaration().ParamsSchema()
	if err := params.VisitJSON(map[string]any{"item_id": "1"}); err != nil {
		t.Errorf("params schema rejected valid kwargs: %v", err)
	}
	if err := params.VisitJSON(map[string]any{}); err == nil {
		t.Error("params schema accepted kwargs without item_id")
	}

	result := op.Declaration().ResultSchema()
	if err := result.VisitJSON(map[string]any{"items": []any{"a"}}); err != nil {
		t.Errorf("result schema rejected valid result: %v", err)
	}
}

func names(decls []*Declaration) []string {
	var out []string
	for _, d := range decls {
		out = append(out, d.Name)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
