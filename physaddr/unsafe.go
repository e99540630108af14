package physaddr

import "unsafe"

func sizeofT[T any](zero T) uintptr {
	return unsafe.Sizeof(zero)
}

// bytesAsSlice reinterprets a byte slice as a []T without copying. The
// caller is responsible for ensuring len(raw) is a multiple of
// sizeof(T) and that raw's alignment is adequate, both of which View
// guarantees by construction (RAM is page-granular and T's size
// divides the requested range).
func bytesAsSlice[T any](raw []byte) []T {
	if len(raw) == 0 {
		return nil
	}
	var zero T
	sz := int(unsafe.Sizeof(zero))
	if sz == 0 {
		return nil
	}
	n := len(raw) / sz
	return unsafe.Slice((*T)(unsafe.Pointer(&raw[0])), n)
}
