package rules

import (
	"bytes"
	"testing"
)

func TestInMemoryStoreCRUD(t *testing.T) {
	store := NewInMemoryTableStore()

	src := &TableSource{
		ResourceID:  "pricing.xlsx",
		ContentType: "xlsx",
		Data:        []byte("workbook bytes"),
	}
	if err := store.Save(src); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	got, err := store.Get("pricing.xlsx")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.ContentType != "xlsx" || !bytes.Equal(got.Data, src.Data) {
		t.Errorf("Get() = %+v, want the saved source", got)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("Save() should stamp timestamps")
	}

	all, err := store.List()
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("List() returned %d sources, want 1", len(all))
	}

	if err := store.Delete("pricing.xlsx"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := store.Get("pricing.xlsx"); err == nil {
		t.Error("Get() after Delete() should fail")
	}
	if err := store.Delete("pricing.xlsx"); err == nil {
		t.Error("deleting a missing source should fail")
	}
}

func TestInMemoryStoreUpsertKeepsCreatedAt(t *testing.T) {
	store := NewInMemoryTableStore()

	if err := store.Save(&TableSource{ResourceID: "t", ContentType: "csv", Data: []byte("v1")}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	first, _ := store.Get("t")

	if err := store.Save(&TableSource{ResourceID: "t", ContentType: "csv", Data: []byte("v2")}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	second, _ := store.Get("t")

	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Error("upsert must preserve the original CreatedAt")
	}
	if !bytes.Equal(second.Data, []byte("v2")) {
		t.Errorf("Data = %q, want v2", second.Data)
	}
}

func TestInMemoryStoreCopiesData(t *testing.T) {
	store := NewInMemoryTableStore()

	data := []byte("original")
	if err := store.Save(&TableSource{ResourceID: "t", ContentType: "csv", Data: data}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	data[0] = 'X'

	got, err := store.Get("t")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !bytes.Equal(got.Data, []byte("original")) {
		t.Error("the store must not share the caller's byte slice")
	}

	got.Data[0] = 'Y'
	again, _ := store.Get("t")
	if !bytes.Equal(again.Data, []byte("original")) {
		t.Error("Get() must hand out an independent copy")
	}
}

func TestInMemoryStoreListOrdered(t *testing.T) {
	store := NewInMemoryTableStore()
	for _, id := range []string{"c", "a", "b"} {
		if err := store.Save(&TableSource{ResourceID: id, ContentType: "csv", Data: []byte(id)}); err != nil {
			t.Fatalf("Save(%q) failed: %v", id, err)
		}
	}

	all, err := store.List()
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	want := []string{"a", "b", "c"}
	for i, src := range all {
		if src.ResourceID != want[i] {
			t.Errorf("List()[%d] = %q, want %q", i, src.ResourceID, want[i])
		}
	}
}

func TestInMemoryStoreRejectsEmptyResourceID(t *testing.T) {
	store := NewInMemoryTableStore()
	if err := store.Save(&TableSource{ContentType: "csv", Data: []byte("x")}); err == nil {
		t.Error("saving without a resource id should fail")
	}
}
