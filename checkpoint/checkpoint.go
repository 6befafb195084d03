// Package checkpoint reads and writes the two-file checkpoint pair of a
// model: an architecture description (<prefix>-symbol.json) and an
// epoch-tagged parameter file (<prefix>-NNNN.params, zero-padded to four
// digits). Checkpoints are immutable once written; loading never modifies
// them.
package checkpoint

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"gorgonia.org/tensor"

	"github.com/graft-ml/graft/arch"
	"github.com/graft-ml/graft/util"
)

// Checkpoint is a loaded (architecture, parameters) pair tagged by epoch.
type Checkpoint struct {
	Architecture *arch.Architecture
	Params       *ParamSet
	Epoch        int
}

// CheckpointIOError wraps a missing or corrupted checkpoint file together
// with the offending path.
type CheckpointIOError struct {
	Path string
	Err  error
}

func (e *CheckpointIOError) Error() string {
	return fmt.Sprintf("checkpoint file %s: %v", e.Path, e.Err)
}

func (e *CheckpointIOError) Unwrap() error {
	return e.Err
}

// SymbolPath returns the path of the architecture description for a prefix.
func SymbolPath(prefix string) string {
	return prefix + "-symbol.json"
}

// ParamsPath returns the path of the parameter file for a prefix and epoch.
func ParamsPath(prefix string, epoch int) string {
	return fmt.Sprintf("%s-%04d.params", prefix, epoch)
}

// Load reads the checkpoint pair for prefix at the given epoch. The prefix
// may be a local path or an s3:// URL.
func Load(prefix string, epoch int) (*Checkpoint, error) {
	symbolPath := SymbolPath(prefix)
	symbolBytes, err := util.ReadFileBytes(symbolPath)
	if err != nil {
		return nil, &CheckpointIOError{Path: symbolPath, Err: err}
	}
	architecture, err := arch.FromJSON(symbolBytes)
	if err != nil {
		return nil, &CheckpointIOError{Path: symbolPath, Err: err}
	}

	paramsPath := ParamsPath(prefix, epoch)
	paramsFile, err := util.OpenFile(paramsPath)
	if err != nil {
		return nil, &CheckpointIOError{Path: paramsPath, Err: err}
	}
	defer func() {
		err = errors.Join(err, util.CloseFile(paramsFile))
	}()

	params, err := readParams(bufio.NewReader(paramsFile))
	if err != nil {
		return nil, &CheckpointIOError{Path: paramsPath, Err: err}
	}
	return &Checkpoint{Architecture: architecture, Params: params, Epoch: epoch}, err
}

// Save writes a checkpoint pair for prefix at the given epoch.
func Save(prefix string, epoch int, architecture *arch.Architecture, params *ParamSet) error {
	symbolBytes, err := architecture.MarshalJSON()
	if err != nil {
		return err
	}
	symbolWriter, err := util.NewFileWriter(SymbolPath(prefix))
	if err != nil {
		return &CheckpointIOError{Path: SymbolPath(prefix), Err: err}
	}
	var writeErr error
	if _, err = symbolWriter.Write(symbolBytes); err != nil {
		writeErr = err
	}
	writeErr = errors.Join(writeErr, symbolWriter.Close())
	if writeErr != nil {
		return &CheckpointIOError{Path: SymbolPath(prefix), Err: writeErr}
	}

	paramsPath := ParamsPath(prefix, epoch)
	paramsWriter, err := util.NewFileWriter(paramsPath)
	if err != nil {
		return &CheckpointIOError{Path: paramsPath, Err: err}
	}
	buffered := bufio.NewWriter(paramsWriter)
	writeErr = writeParams(buffered, params)
	writeErr = errors.Join(writeErr, buffered.Flush(), paramsWriter.Close())
	if writeErr != nil {
		return &CheckpointIOError{Path: paramsPath, Err: writeErr}
	}
	return nil
}

// Parameter file layout, little-endian throughout:
//
//	magic [8]byte "GRFTPRM1"
//	count uint32
//	per entry:
//	  kind    uint8  (0 = learnable, 1 = auxiliary)
//	  nameLen uint16, name bytes
//	  rank    uint8, dims [rank]int64
//	  data    float32 * prod(dims)
var paramsMagic = [8]byte{'G', 'R', 'F', 'T', 'P', 'R', 'M', '1'}

const (
	kindArg uint8 = 0
	kindAux uint8 = 1

	maxParamRank = 8
)

func writeParams(w io.Writer, params *ParamSet) error {
	if _, err := w.Write(paramsMagic[:]); err != nil {
		return err
	}
	count := len(params.Args) + len(params.Aux)
	if err := binary.Write(w, binary.LittleEndian, uint32(count)); err != nil {
		return err
	}
	for _, name := range params.ArgNames() {
		if err := writeEntry(w, kindArg, name, params.Args[name]); err != nil {
			return err
		}
	}
	for _, name := range params.AuxNames() {
		if err := writeEntry(w, kindAux, name, params.Aux[name]); err != nil {
			return err
		}
	}
	return nil
}

func writeEntry(w io.Writer, kind uint8, name string, t *tensor.Dense) error {
	data, ok := t.Data().([]float32)
	if !ok {
		return fmt.Errorf("parameter %q: only float32 tensors are supported, got %v", name, t.Dtype())
	}
	if len(name) > math.MaxUint16 {
		return fmt.Errorf("parameter name too long: %d bytes", len(name))
	}
	if err := binary.Write(w, binary.LittleEndian, kind); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(name))); err != nil {
		return err
	}
	if _, err := io.WriteString(w, name); err != nil {
		return err
	}
	shape := t.Shape()
	if err := binary.Write(w, binary.LittleEndian, uint8(len(shape))); err != nil {
		return err
	}
	for _, dim := range shape {
		if err := binary.Write(w, binary.LittleEndian, int64(dim)); err != nil {
			return err
		}
	}
	return binary.Write(w, binary.LittleEndian, data)
}

func readParams(r io.Reader) (*ParamSet, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, err
	}
	if magic != paramsMagic {
		return nil, fmt.Errorf("not a parameter file (bad magic %q)", magic[:])
	}
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}
	params := NewParamSet()
	for i := uint32(0); i < count; i++ {
		kind, name, t, err := readEntry(r)
		if err != nil {
			return nil, fmt.Errorf("parameter entry %d: %w", i, err)
		}
		switch kind {
		case kindArg:
			params.Args[name] = t
		case kindAux:
			params.Aux[name] = t
		default:
			return nil, fmt.Errorf("parameter entry %d: unknown kind %d", i, kind)
		}
	}
	return params, nil
}

func readEntry(r io.Reader) (uint8, string, *tensor.Dense, error) {
	var kind uint8
	if err := binary.Read(r, binary.LittleEndian, &kind); err != nil {
		return 0, "", nil, err
	}
	var nameLen uint16
	if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
		return 0, "", nil, err
	}
	nameBytes := make([]byte, nameLen)
	if _, err := io.ReadFull(r, nameBytes); err != nil {
		return 0, "", nil, err
	}
	var rank uint8
	if err := binary.Read(r, binary.LittleEndian, &rank); err != nil {
		return 0, "", nil, err
	}
	if rank == 0 || rank > maxParamRank {
		return 0, "", nil, fmt.Errorf("invalid tensor rank %d", rank)
	}
	dims := make([]int, rank)
	size := 1
	for d := range dims {
		var dim int64
		if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
			return 0, "", nil, err
		}
		if dim <= 0 || size > math.MaxInt32/int(dim) {
			return 0, "", nil, fmt.Errorf("invalid tensor dimension %d", dim)
		}
		dims[d] = int(dim)
		size *= int(dim)
	}
	data := make([]float32, size)
	if err := binary.Read(r, binary.LittleEndian, data); err != nil {
		return 0, "", nil, err
	}
	t := tensor.New(tensor.WithShape(dims...), tensor.WithBacking(data))
	return kind, string(nameBytes), t, nil
}
