package hotreload

import (
	"fmt"
	"reflect"
)

// VersionTag identifies the API shape a module was built against: the schema
// generation plus the layout of the State Block it expects.
type VersionTag struct {
	Generation uint32
	StateSize  uintptr
	StateAlign uintptr
}

// LayoutOf builds a VersionTag describing T as the State Block layout.
func LayoutOf[T any](generation uint32) VersionTag {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	return VersionTag{
		Generation: generation,
		StateSize:  typ.Size(),
		StateAlign: uintptr(typ.Align()),
	}
}

// Compatible reports whether both tags belong to the same schema generation.
func (v VersionTag) Compatible(o VersionTag) bool {
	return v.Generation == o.Generation
}

// Equal reports whether generation and layout are identical.
func (v VersionTag) Equal(o VersionTag) bool {
	return v.Generation == o.Generation && v.StateSize == o.StateSize && v.StateAlign == o.StateAlign
}

func (v VersionTag) IsZero() bool {
	return v == VersionTag{}
}

func (v VersionTag) String() string {
	return fmt.Sprintf("gen=%d size=%d align=%d", v.Generation, v.StateSize, v.StateAlign)
}
