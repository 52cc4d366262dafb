//go:build cgo

// C entry points for the mobile shells.
// Build as shared library: libtempo.so (Android) / tempo.framework (iOS)

package main

/*
#cgo CFLAGS: -Wall -Wextra
#include <stdlib.h>
*/
import "C"
import (
	"context"
	"unsafe"
)

// cstring hands s to the caller, or records err and returns NULL.
func cstring(s string, err error) *C.char {
	if err != nil {
		core.setLastError(err)
		return nil
	}
	return C.CString(s)
}

// status returns 0 on success and -1 after recording err.
func status(err error) C.int {
	if err != nil {
		core.setLastError(err)
		return -1
	}
	return 0
}

//export Init
// Init opens the local store and starts background sync.
func Init(configPath *C.char) C.int {
	return status(core.open(C.GoString(configPath)))
}

//export Cleanup
// Cleanup stops background sync and closes the store.
func Cleanup() C.int {
	return status(core.close())
}

//export GetLastError
// GetLastError returns the last error message.
// Returns a C string that must be freed by the caller.
func GetLastError() *C.char {
	return C.CString(core.lastError())
}

// =====================================================
// Sync Operations
// =====================================================

//export SyncNow
// SyncNow runs a sync. With silent set it only starts one in the background.
// Returns JSON that must be freed by the caller.
func SyncNow(silent C.int) *C.char {
	return cstring(core.sync(context.Background(), silent != 0))
}

//export SyncStatus
// SyncStatus returns engine state, record counts and scheduler state.
func SyncStatus() *C.char {
	return cstring(core.status(context.Background()))
}

//export SetOnline
// SetOnline records connectivity reported by the platform.
func SetOnline(online C.int) C.int {
	return status(core.setOnline(online != 0))
}

// =====================================================
// Record Operations
// =====================================================

//export RecordSave
// RecordSave creates or updates a record of kind from its JSON body.
func RecordSave(kind, body *C.char) *C.char {
	return cstring(core.save(context.Background(), C.GoString(kind), C.GoString(body)))
}

//export RecordGet
func RecordGet(kind, id *C.char) *C.char {
	return cstring(core.get(context.Background(), C.GoString(kind), C.GoString(id)))
}

//export RecordList
func RecordList(kind *C.char) *C.char {
	return cstring(core.list(context.Background(), C.GoString(kind)))
}

//export RecordDelete
func RecordDelete(kind, id *C.char) C.int {
	return status(core.remove(context.Background(), C.GoString(kind), C.GoString(id)))
}

//export QueueEnqueue
// QueueEnqueue stores an offline action for later replay.
func QueueEnqueue(kind, payload *C.char) *C.char {
	return cstring(core.enqueue(context.Background(), C.GoString(kind), C.GoString(payload)))
}

//export FreeString
func FreeString(ptr *C.char) {
	if ptr != nil {
		C.free(unsafe.Pointer(ptr))
	}
}
