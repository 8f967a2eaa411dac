// descriptor_test.go: descriptor store and descriptor construction tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package chainloader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptorStore_Add(t *testing.T) {
	store := NewDescriptorStore()

	require.NoError(t, store.Add(descriptor("b", "1.0.0")))
	require.NoError(t, store.Add(descriptor("a", "2.0.0")))
	assert.Equal(t, 2, store.Len())

	t.Run("duplicate GUID keeps the first", func(t *testing.T) {
		dup := descriptor("a", "9.9.9")
		dup.Module.Path = "/plugins/other.wasm"

		err := store.Add(dup)
		require.Error(t, err)
		assert.True(t, HasErrorCode(err, ErrCodeDuplicateGUID))

		got, ok := store.Get("a")
		require.True(t, ok)
		assert.Equal(t, "2.0.0", got.Version.String())
	})

	t.Run("empty GUID is rejected", func(t *testing.T) {
		err := store.Add(&PluginDescriptor{Version: MustParseVersion("1.0.0")})
		assert.True(t, HasErrorCode(err, ErrCodeMalformedMetadata))
		assert.True(t, HasErrorCode(store.Add(nil), ErrCodeMalformedMetadata))
	})

	t.Run("All is GUID-lexical", func(t *testing.T) {
		all := store.All()
		require.Len(t, all, 2)
		assert.Equal(t, "a", all[0].GUID)
		assert.Equal(t, "b", all[1].GUID)
	})
}

func TestDescriptorStore_StoresCopies(t *testing.T) {
	store := NewDescriptorStore()
	d := descriptor("a", "1.0.0", hardDep("b"))
	require.NoError(t, store.Add(d))

	d.Version.Major = 42
	d.Dependencies[0].TargetGUID = "mutated"

	got, _ := store.Get("a")
	assert.Equal(t, uint64(1), got.Version.Major)
	assert.Equal(t, "b", got.Dependencies[0].TargetGUID)
}

func TestPluginDescriptor_HardDependencies(t *testing.T) {
	d := descriptor("a", "1.0.0", hardDep("x"), softDep("y"), hardDepMin("z", "1.2.0"))
	hard := d.HardDependencies()
	require.Len(t, hard, 2)
	assert.Equal(t, "x", hard[0].TargetGUID)
	assert.Equal(t, "z", hard[1].TargetGUID)
}

func TestDependencyDeclaration_String(t *testing.T) {
	assert.Equal(t, "x (hard)", hardDep("x").String())
	assert.Equal(t, "y (soft)", softDep("y").String())
	assert.Equal(t, "z >= 1.2.0 (hard)", hardDepMin("z", "1.2").String())
}

func TestBuildDescriptor(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		meta := pluginType("example.A", "com.example.a", "1.2.3", hardAttr("com.example.b", "1.0"), softAttr("com.example.c"))
		d, err := buildDescriptor("/plugins/a.plugin.yaml", meta)
		require.NoError(t, err)

		assert.Equal(t, "com.example.a", d.GUID)
		assert.Equal(t, "example.A", d.Name)
		assert.Equal(t, "1.2.3", d.Version.String())
		assert.Equal(t, ModuleRef{Path: "/plugins/a.plugin.yaml", TypeName: "example.A"}, d.Module)
		require.Len(t, d.Dependencies, 2)
		assert.True(t, d.Dependencies[0].Hard)
		assert.Equal(t, "1.0.0", d.Dependencies[0].MinVersion.String())
		assert.False(t, d.Dependencies[1].Hard)
		assert.Nil(t, d.Dependencies[1].MinVersion)
	})

	t.Run("name defaults to GUID", func(t *testing.T) {
		meta := TypeMetadata{TypeName: "T", Plugin: &PluginAttribute{GUID: "g", Version: "1.0.0"}}
		d, err := buildDescriptor("/p", meta)
		require.NoError(t, err)
		assert.Equal(t, "g", d.Name)
	})

	malformed := map[string]TypeMetadata{
		"empty GUID":          pluginType("T", "", "1.0.0"),
		"padded GUID":         pluginType("T", " g ", "1.0.0"),
		"empty version":       pluginType("T", "g", ""),
		"unparseable version": pluginType("T", "g", "one.two"),
		"dependency without GUID": pluginType("T", "g", "1.0.0",
			DependencyAttribute{MinVersion: "1.0.0"}),
		"dependency with bad minimum": pluginType("T", "g", "1.0.0",
			hardAttr("h", "latest")),
	}
	for name, meta := range malformed {
		t.Run(name, func(t *testing.T) {
			_, err := buildDescriptor("/p", meta)
			require.Error(t, err)
			assert.True(t, HasErrorCode(err, ErrCodeMalformedMetadata), "got %v", err)
		})
	}
}

func TestDependencyAttribute_IsHard(t *testing.T) {
	yes, no := true, false
	assert.True(t, DependencyAttribute{GUID: "a"}.IsHard(), "dependencies are hard by default")
	assert.True(t, DependencyAttribute{GUID: "a", Hard: &yes}.IsHard())
	assert.False(t, DependencyAttribute{GUID: "a", Hard: &no}.IsHard())
}
