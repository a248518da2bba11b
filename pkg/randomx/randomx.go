// Package randomx implements the Hasher sub-module: a cgo binding to the
// RandomX reference implementation (https://github.com/tevador/RandomX),
// used as the PoW primitive that pow_hash wraps.
//
// Follows the common cgo-FFI pattern for wrapping a statically linked
// native core: LDFLAGS, a result-code enum, extern declarations, and Go
// wrapper functions marshalling to/from C types, pointed here at
// librandomx.
package randomx

/*
#cgo LDFLAGS: -lrandomx -lstdc++
#include <stdint.h>
#include <stdlib.h>

typedef enum {
    RANDOMX_OK = 0,
    RANDOMX_ERR_ALLOC = 1,
    RANDOMX_ERR_INVALID_SEED = 2,
} RandomxResult;

typedef struct randomx_cache randomx_cache;
typedef struct randomx_dataset randomx_dataset;
typedef struct randomx_vm randomx_vm;

typedef enum {
    RANDOMX_FLAG_DEFAULT = 0,
    RANDOMX_FLAG_LARGE_PAGES = 1,
    RANDOMX_FLAG_HARD_AES = 2,
    RANDOMX_FLAG_FULL_MEM = 4,
    RANDOMX_FLAG_JIT = 8,
    RANDOMX_FLAG_SECURE = 16,
} randomx_flags;

extern randomx_cache* randomx_alloc_cache(randomx_flags flags);
extern void randomx_init_cache(randomx_cache* cache, const void* key, size_t keySize);
extern void randomx_release_cache(randomx_cache* cache);

extern randomx_dataset* randomx_alloc_dataset(randomx_flags flags);
extern void randomx_init_dataset(randomx_dataset* dataset, randomx_cache* cache, unsigned long startItem, unsigned long itemCount);
extern void randomx_release_dataset(randomx_dataset* dataset);

extern randomx_vm* randomx_create_vm(randomx_flags flags, randomx_cache* cache, randomx_dataset* dataset);
extern void randomx_vm_set_cache(randomx_vm* machine, randomx_cache* cache);
extern void randomx_destroy_vm(randomx_vm* machine);

extern void randomx_calculate_hash(randomx_vm* machine, const void* input, size_t inputSize, void* output);
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/holiman/uint256"

	"github.com/darkfi-go/consensusd/pkg/types"
)

// Flags selects the RandomX VM's memory/JIT configuration. Without
// FlagFullMem the VM runs without the 2GiB dataset (slower, low-memory);
// with FlagFullMem it preallocates the dataset for full-speed
// verification.
type Flags uint32

const (
	FlagDefault  Flags = C.RANDOMX_FLAG_DEFAULT
	FlagJIT      Flags = C.RANDOMX_FLAG_JIT
	FlagFullMem  Flags = C.RANDOMX_FLAG_FULL_MEM
	FlagHardAES  Flags = C.RANDOMX_FLAG_HARD_AES
	FlagSecure   Flags = C.RANDOMX_FLAG_SECURE
)

// FatalError wraps allocation failures in the underlying RandomX VM.
// NewVM is the only source of it; cmd/consensusd treats a NewVM error as
// unrecoverable and exits.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("randomx: %s: %v", e.Op, e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// VM owns a RandomX cache/dataset/vm triple for one active seed epoch.
// Hash, RotateSeed and Close serialize on an internal mutex, so one VM
// may be shared; the validator passes the same VM to both the
// ConsensusLoop and ProposalIngest.
type VM struct {
	mu      sync.Mutex
	flags   C.randomx_flags
	cache   *C.randomx_cache
	dataset *C.randomx_dataset
	vm      *C.randomx_vm
	seed    []byte
}

// NewVM allocates a RandomX cache (and, under FlagFullMem, dataset) keyed
// by seed, then creates a VM bound to it. Allocation failure surfaces as
// FatalError.
func NewVM(seed []byte, flags Flags) (*VM, error) {
	cflags := C.randomx_flags(flags)

	cache := C.randomx_alloc_cache(cflags)
	if cache == nil {
		return nil, &FatalError{Op: "alloc_cache", Err: fmt.Errorf("out of memory")}
	}

	seedPtr := unsafe.Pointer(nil)
	if len(seed) > 0 {
		seedPtr = unsafe.Pointer(&seed[0])
	}
	C.randomx_init_cache(cache, seedPtr, C.size_t(len(seed)))

	var dataset *C.randomx_dataset
	if flags&FlagFullMem != 0 {
		dataset = C.randomx_alloc_dataset(cflags)
		if dataset == nil {
			C.randomx_release_cache(cache)
			return nil, &FatalError{Op: "alloc_dataset", Err: fmt.Errorf("out of memory")}
		}
		C.randomx_init_dataset(dataset, cache, 0, datasetItemCount())
	}

	machine := C.randomx_create_vm(cflags, cache, dataset)
	if machine == nil {
		if dataset != nil {
			C.randomx_release_dataset(dataset)
		}
		C.randomx_release_cache(cache)
		return nil, &FatalError{Op: "create_vm", Err: fmt.Errorf("out of memory")}
	}

	seedCopy := make([]byte, len(seed))
	copy(seedCopy, seed)

	return &VM{
		flags:   cflags,
		cache:   cache,
		dataset: dataset,
		vm:      machine,
		seed:    seedCopy,
	}, nil
}

// datasetItemCount is a placeholder constant matching RandomX's standard
// dataset size (2080 * 1024 * 1024 / 64 items); kept as a function so a
// future network-specific override has a single seam.
func datasetItemCount() C.ulong {
	return C.ulong(2080 * 1024 * 1024 / 64)
}

// Hash computes the deterministic RandomX digest over the serialized
// header bytes. Infallible given a well-formed VM.
func (v *VM) Hash(headerBytes []byte) types.Hash32 {
	v.mu.Lock()
	defer v.mu.Unlock()

	var out types.Hash32
	inputPtr := unsafe.Pointer(nil)
	if len(headerBytes) > 0 {
		inputPtr = unsafe.Pointer(&headerBytes[0])
	}
	C.randomx_calculate_hash(v.vm, inputPtr, C.size_t(len(headerBytes)), unsafe.Pointer(&out[0]))
	return out
}

// RotateSeed recreates the cache (and dataset, in FullMem mode) for a new
// epoch's seed, called by ConfirmGate when the RandomX epoch boundary is
// crossed.
func (v *VM) RotateSeed(newSeed []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	seedPtr := unsafe.Pointer(nil)
	if len(newSeed) > 0 {
		seedPtr = unsafe.Pointer(&newSeed[0])
	}
	C.randomx_init_cache(v.cache, seedPtr, C.size_t(len(newSeed)))

	if v.dataset != nil {
		C.randomx_init_dataset(v.dataset, v.cache, 0, datasetItemCount())
	}
	C.randomx_vm_set_cache(v.vm, v.cache)

	v.seed = append(v.seed[:0], newSeed...)
	return nil
}

// Close releases the VM, dataset, and cache. Must be called exactly once.
func (v *VM) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.vm != nil {
		C.randomx_destroy_vm(v.vm)
		v.vm = nil
	}
	if v.dataset != nil {
		C.randomx_release_dataset(v.dataset)
		v.dataset = nil
	}
	if v.cache != nil {
		C.randomx_release_cache(v.cache)
		v.cache = nil
	}
}

// MeetsTarget treats hash as a big-endian unsigned 256-bit integer and
// compares it against target: pow_hash(block) <= target(block.height).
func MeetsTarget(hash types.Hash32, target uint256.Int) bool {
	h := new(uint256.Int).SetBytes(hash[:])
	return h.Cmp(&target) <= 0
}
