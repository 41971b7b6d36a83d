package hotreload

import (
	"fmt"
	"reflect"
	"unsafe"

	"github.com/edwingeng/hotreload/vault"
)

const maxStateAlign = 4096

// StateBlock is the host-owned memory region holding all mutable application
// data. Modules read and write it through the reference they are handed; they
// never allocate, move or free it.
//
// The region is opaque to the garbage collector, so whatever is stored in it
// must not contain Go pointers. The backing array is heap allocated and never
// moves, so Pointer may be handed to foreign code for the lifetime of the block.
type StateBlock struct {
	buf        []byte
	off        uintptr
	size       uintptr
	align      uintptr
	generation uint32

	vault *vault.Vault
}

// NewStateBlock allocates a zeroed block matching the layout part of tag.
func NewStateBlock(tag VersionTag) (*StateBlock, error) {
	align := tag.StateAlign
	if align == 0 {
		align = 1
	}
	if align&(align-1) != 0 || align > maxStateAlign {
		return nil, fmt.Errorf("invalid state alignment: %d", tag.StateAlign)
	}

	n := tag.StateSize + align - 1
	if n == 0 {
		n = 1
	}
	sb := &StateBlock{
		buf:        make([]byte, n),
		size:       tag.StateSize,
		align:      align,
		generation: tag.Generation,
	}
	base := uintptr(unsafe.Pointer(&sb.buf[0]))
	if rem := base % align; rem != 0 {
		sb.off = align - rem
	}
	return sb, nil
}

// Bytes returns the block as a byte slice of exactly Size() bytes.
func (sb *StateBlock) Bytes() []byte {
	return sb.buf[sb.off : sb.off+sb.size : sb.off+sb.size]
}

// Pointer returns the aligned start address of the block.
func (sb *StateBlock) Pointer() unsafe.Pointer {
	return unsafe.Pointer(&sb.buf[sb.off])
}

func (sb *StateBlock) Size() uintptr {
	return sb.size
}

func (sb *StateBlock) Align() uintptr {
	return sb.align
}

func (sb *StateBlock) Generation() uint32 {
	return sb.generation
}

// Layout returns the version tag this block was allocated for.
func (sb *StateBlock) Layout() VersionTag {
	return VersionTag{
		Generation: sb.generation,
		StateSize:  sb.size,
		StateAlign: sb.align,
	}
}

// Vault returns the host services of the engine that owns the block, so entry
// points can reach them without module-level globals. It is nil for a block
// created with NewStateBlock.
func (sb *StateBlock) Vault() *vault.Vault {
	return sb.vault
}

// Reset zeroes the block. The engine calls it only before OnInit, while no
// module has been adopted yet.
func (sb *StateBlock) Reset() {
	b := sb.Bytes()
	for i := range b {
		b[i] = 0
	}
}

// StateAs returns a typed view of the block. T must have exactly the size of
// the block, an alignment the block satisfies, and no pointers.
func StateAs[T any](sb *StateBlock) (*T, error) {
	if sb == nil {
		return nil, fmt.Errorf("nil state block")
	}
	typ := reflect.TypeOf((*T)(nil)).Elem()
	if typ.Size() != sb.size {
		return nil, fmt.Errorf("%s does not fit the state block. size: %d, expected: %d",
			typ.String(), typ.Size(), sb.size)
	}
	if uintptr(typ.Align()) > sb.align {
		return nil, fmt.Errorf("%s does not fit the state block. align: %d, expected: %d",
			typ.String(), typ.Align(), sb.align)
	}
	if hasPointers(typ) {
		return nil, fmt.Errorf("%s contains pointers and cannot live in the state block", typ.String())
	}
	return (*T)(sb.Pointer()), nil
}

func MustStateAs[T any](sb *StateBlock) *T {
	v, err := StateAs[T](sb)
	if err != nil {
		panic(err)
	}
	return v
}

func hasPointers(typ reflect.Type) bool {
	switch typ.Kind() {
	case reflect.Ptr, reflect.UnsafePointer, reflect.Map, reflect.Slice, reflect.String,
		reflect.Interface, reflect.Chan, reflect.Func:
		return true
	case reflect.Array:
		return typ.Len() > 0 && hasPointers(typ.Elem())
	case reflect.Struct:
		for i := 0; i < typ.NumField(); i++ {
			if hasPointers(typ.Field(i).Type) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
