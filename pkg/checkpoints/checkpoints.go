// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints implements saving and loading of model state to files.
//
// A checkpoint is a pair of files sharing a base name: "<base>.json" holds the metadata (the "state_dict"
// listing of every tensor, the epoch, the global step and the monitored metrics) and "<base>.bin" holds the
// raw tensor bytes, gzip compressed by default.
//
// The main object is the Handler, created by calling Build, followed by the various options and finally
// Config.Done:
//
//	handler, err := checkpoints.Build(dir).Keep(3).Done()
//	...
//	_, err = handler.Save(&checkpoints.Artifact{StateDict: m.StateDict(), Epoch: epoch})
//
// Loading into a live model is best-effort, see Restore.
package checkpoints

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/modelgraph/pkg/modelerrors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// DirPermMode is the default directory creation permission (before umask) used.
	DirPermMode = os.FileMode(0770)

	// ErrUnsupportedCompression signifies an error when a compression type is not supported.
	ErrUnsupportedCompression = errors.New("unsupported compression")
)

// BinFormat defines the type for representing binary file compression formats.
type BinFormat int

const (
	// BinGZIP represents the GZIP compressed binary file format.
	BinGZIP BinFormat = iota

	// BinUncompressed represents the uncompressed binary file format.
	BinUncompressed
)

// String implements the Stringer interface.
func (bf BinFormat) String() string {
	switch bf {
	case BinGZIP:
		return "gzip"
	case BinUncompressed:
		return "uncompressed"
	default:
		return "unknown"
	}
}

const (
	baseNamePrefix = "checkpoint-"

	// JsonNameSuffix for the JSON files returned by Handler.ListCheckpoints.
	JsonNameSuffix = ".json"

	// BinDataSuffix for the data files (holding the tensor values) returned by Handler.ListCheckpoints.
	BinDataSuffix = ".bin"
)

// Artifact is the contents of one checkpoint.
type Artifact struct {
	// StateDict maps parameter names to their values.
	StateDict map[string]*tensors.Tensor

	Epoch      int
	GlobalStep int64

	// Metrics holds monitored values at the time of the checkpoint, e.g. "val/loss".
	Metrics map[string]float64
}

// metadata is how the artifact is written to the JSON file.
type metadata struct {
	// StateDict is required: a metadata file without it is not a checkpoint.
	StateDict []serializedTensor `json:"state_dict"`

	Epoch      int                `json:"epoch"`
	GlobalStep int64              `json:"global_step"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`

	// BinFormat describes the format used by the binary file. It is informative.
	BinFormat string `json:"bin_format"`
}

// serializedTensor describes one tensor stored in the binary file.
type serializedTensor struct {
	Name       string       `json:"name"`
	DType      dtypes.DType `json:"dtype"`
	Dimensions []int        `json:"dimensions"`

	// Pos, Length in bytes in the (uncompressed) binary data.
	Pos    int `json:"pos"`
	Length int `json:"length"`
}

// Config for the checkpoints' Handler to be created. This is created with Build() and
// configured with the various methods. Once finished, call Done().
type Config struct {
	err       error
	dir       string
	keep      int
	binFormat BinFormat
}

// Build a configuration for a checkpoints.Handler saving to dir. The directory is created if it doesn't exist.
// After configuring the Config object returned, call Done to get the Handler.
func Build(dir string) *Config {
	c := &Config{dir: dir, keep: 1}
	fi, err := os.Stat(dir)
	switch {
	case err == nil && !fi.IsDir():
		c.err = errors.Errorf("checkpoint directory %q exists but it's a normal file, not a directory", dir)
	case err != nil && os.IsNotExist(err):
		if err = os.MkdirAll(dir, DirPermMode); err != nil {
			c.err = errors.Wrapf(err, "trying to create dir %q", dir)
		}
	case err != nil:
		c.err = errors.Wrapf(err, "failed to os.Stat(%q)", dir)
	}
	return c
}

// Keep configures the number of checkpoint files to keep. If set to -1, it will never erase older checkpoints.
// The default is 1.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// WithCompression sets the binary format to the provided value. The default is BinGZIP.
func (c *Config) WithCompression(bf BinFormat) *Config {
	c.binFormat = bf
	if bf != BinGZIP && bf != BinUncompressed {
		c.binFormat = BinGZIP
	}
	return c
}

// Done creates a Handler with the current configuration.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, errors.Errorf("directory for checkpoints not configured")
	}
	h := &Handler{config: c}
	list, err := h.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	h.checkpointsCount = maxCheckPointCountFromCheckpoints(list) + 1
	return h, nil
}

// Handler saves and lists checkpoints in a directory.
type Handler struct {
	config           *Config
	checkpointsCount int
}

// String implements Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.config.dir)
}

// Dir returns the directory the Handler is configured to. It returns "" if the Handler is nil.
func (h *Handler) Dir() string {
	if h == nil {
		return ""
	}
	return h.config.dir
}

// newCheckpointBaseName returns the base name for the checkpoint files.
func (h *Handler) newCheckpointBaseName(artifact *Artifact) string {
	now := time.Now().Format("20060102-150405")
	baseName := fmt.Sprintf("%sn%07d-%s", baseNamePrefix, h.checkpointsCount, now)
	if artifact.GlobalStep > 0 {
		return fmt.Sprintf("%s-step-%08d", baseName, artifact.GlobalStep)
	}
	return fmt.Sprintf("%s-epoch-%04d", baseName, artifact.Epoch)
}

// Save writes a new checkpoint and removes the excess ones. It returns the base name of the new checkpoint.
//
// If the handler is nil, this is a no-op.
func (h *Handler) Save(artifact *Artifact) (baseName string, err error) {
	if h == nil {
		return "", nil
	}
	baseName = h.newCheckpointBaseName(artifact)
	h.checkpointsCount++
	if err = Write(filepath.Join(h.config.dir, baseName), artifact, h.config.binFormat); err != nil {
		return "", errors.WithMessagef(err, "%s", h)
	}
	klog.V(1).Infof("saved checkpoint %q", baseName)
	return baseName, h.keepNCheckpoints()
}

// ListCheckpoints returns the base names of the checkpoints in the directory, older first.
//
// The actual paths are these base names suffixed with JsonNameSuffix and BinDataSuffix.
func (h *Handler) ListCheckpoints() (checkpoints []string, err error) {
	entries, err := os.ReadDir(h.config.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s listing checkpoints", h)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileName := entry.Name()
		if !strings.HasPrefix(fileName, baseNamePrefix) || !strings.HasSuffix(fileName, JsonNameSuffix) {
			continue
		}
		checkpoints = append(checkpoints, strings.TrimSuffix(fileName, JsonNameSuffix))
	}
	sort.Strings(checkpoints)
	return checkpoints, nil
}

// Latest reads the most recent checkpoint. It returns a nil artifact (and no error) if there are none.
func (h *Handler) Latest() (artifact *Artifact, baseName string, err error) {
	list, err := h.ListCheckpoints()
	if err != nil || len(list) == 0 {
		return nil, "", err
	}
	baseName = xslices.Last(list)
	artifact, err = Read(filepath.Join(h.config.dir, baseName))
	return artifact, baseName, err
}

// Remove the files of the checkpoint with the given base name.
func (h *Handler) Remove(baseName string) error {
	for _, fileName := range []string{baseName + BinDataSuffix, baseName + JsonNameSuffix} {
		err := os.Remove(filepath.Join(h.config.dir, fileName))
		if err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "%s failed to remove checkpoint file %q", h, fileName)
		}
	}
	return nil
}

// keepNCheckpoints checks if there are more than the configured number of checkpoints, and remove
// the excess.
func (h *Handler) keepNCheckpoints() error {
	if h.config.keep < 0 {
		return nil
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		return err
	}
	if len(list) <= h.config.keep {
		return nil
	}
	for _, baseName := range list[:len(list)-h.config.keep] {
		if err = h.Remove(baseName); err != nil {
			return err
		}
	}
	return nil
}

var checkpointCountRegex = regexp.MustCompile(`^checkpoint-n(\d+)-`)

// maxCheckPointCountFromCheckpoints returns the largest count in the saved checkpoints, so the next
// checkpoint saved uses this count+1.
func maxCheckPointCountFromCheckpoints(checkpoints []string) int {
	maxID := -1
	for _, name := range checkpoints {
		matches := checkpointCountRegex.FindStringSubmatch(name)
		if len(matches) != 2 {
			continue
		}
		id, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		maxID = max(maxID, id)
	}
	return maxID
}

// Write the artifact to basePath+JsonNameSuffix and basePath+BinDataSuffix.
// Tensors are written in sorted name order.
func Write(basePath string, artifact *Artifact, bf BinFormat) error {
	meta := metadata{
		StateDict:  make([]serializedTensor, 0, len(artifact.StateDict)),
		Epoch:      artifact.Epoch,
		GlobalStep: artifact.GlobalStep,
		Metrics:    artifact.Metrics,
		BinFormat:  bf.String(),
	}
	binFileName := basePath + BinDataSuffix
	binFile, err := getSaveVarFiles(binFileName, bf)
	if err != nil {
		return errors.Wrapf(err, "failed to create checkpoint data file %s", binFileName)
	}
	pos := 0
	for _, name := range xslices.SortedKeys(artifact.StateDict) {
		tensor := artifact.StateDict[name]
		if tensor == nil {
			_ = binFile.Close()
			return errors.Errorf("state_dict entry %q is nil", name)
		}
		var writeErr error
		var n, memoryLen int
		err := tensor.ConstBytes(func(rawData []byte) {
			memoryLen = len(rawData)
			n, writeErr = binFile.Write(rawData)
		})
		if err == nil {
			err = writeErr
		}
		if err == nil && n != memoryLen {
			err = errors.Errorf("%d bytes requested, %d bytes written", memoryLen, n)
		}
		if err != nil {
			_ = binFile.Close()
			return errors.Wrapf(err, "failed to write %q to %s", name, binFileName)
		}
		shape := tensor.Shape()
		meta.StateDict = append(meta.StateDict, serializedTensor{
			Name:       name,
			DType:      shape.DType,
			Dimensions: shape.Dimensions,
			Pos:        pos,
			Length:     memoryLen,
		})
		pos += memoryLen
	}
	if err := binFile.Close(); err != nil {
		return errors.Wrapf(err, "failed to close checkpoint data file %s", binFileName)
	}

	jsonFileName := basePath + JsonNameSuffix
	jsonFile, err := os.Create(jsonFileName)
	if err != nil {
		return errors.Wrapf(err, "failed to create checkpoint metadata file %s", jsonFileName)
	}
	enc := json.NewEncoder(jsonFile)
	enc.SetIndent("", "\t")
	if err = enc.Encode(&meta); err != nil {
		_ = jsonFile.Close()
		return errors.Wrapf(err, "failed to write checkpoint metadata file %s", jsonFileName)
	}
	if err = jsonFile.Close(); err != nil {
		return errors.Wrapf(err, "failed to close checkpoint metadata file %s", jsonFileName)
	}
	return nil
}

// readMetadata reads only the JSON file of a checkpoint.
func readMetadata(basePath string) (*metadata, error) {
	jsonFileName := basePath + JsonNameSuffix
	contents, err := os.ReadFile(jsonFileName)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read checkpoint metadata file %s", jsonFileName)
	}
	var meta metadata
	if err = json.Unmarshal(contents, &meta); err != nil {
		return nil, modelerrors.Checkpointf("failed to decode checkpoint metadata file %s: %v", jsonFileName, err)
	}
	if meta.StateDict == nil {
		return nil, modelerrors.Checkpointf("checkpoint %s has no \"state_dict\"", jsonFileName)
	}
	return &meta, nil
}

// Read the checkpoint stored in basePath+JsonNameSuffix and basePath+BinDataSuffix.
//
// It fails with modelerrors.ErrCheckpoint if the metadata doesn't have a "state_dict".
func Read(basePath string) (*Artifact, error) {
	meta, err := readMetadata(basePath)
	if err != nil {
		return nil, err
	}
	binFileName := basePath + BinDataSuffix
	f, err := os.Open(binFileName)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open checkpoint data file %s", binFileName)
	}
	defer func() { _ = f.Close() }()
	binReader, err := getLoadVarFilesFromReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read checkpoint data file %s", binFileName)
	}

	artifact := &Artifact{
		StateDict:  make(map[string]*tensors.Tensor, len(meta.StateDict)),
		Epoch:      meta.Epoch,
		GlobalStep: meta.GlobalStep,
		Metrics:    meta.Metrics,
	}
	// Tensors are stored in order.
	var memoryPos int
	for _, info := range meta.StateDict {
		if info.Pos != memoryPos {
			return nil, modelerrors.Checkpointf("%s: tensor %q position at %d is out-of-order, expected %d",
				binFileName, info.Name, info.Pos, memoryPos)
		}
		memoryPos += info.Length
		if !info.DType.IsSupported() {
			return nil, modelerrors.Checkpointf("%s: tensor %q has unsupported dtype %d", binFileName, info.Name, info.DType)
		}
		tensor := tensors.FromShape(shapes.Make(info.DType, info.Dimensions...))
		var readErr error
		var n, memoryLen int
		err := tensor.MutableBytes(func(data []byte) {
			memoryLen = len(data)
			n, readErr = io.ReadFull(binReader, data)
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to access tensor data for %q", info.Name)
		}
		if readErr != nil {
			return nil, errors.Wrapf(readErr, "%s: failed to read %q at position %d", binFileName, info.Name, info.Pos)
		}
		if n != memoryLen || memoryLen != info.Length {
			return nil, modelerrors.Checkpointf("%s: failed to read %q at position %d: read %d bytes, wanted %d",
				binFileName, info.Name, info.Pos, n, info.Length)
		}
		artifact.StateDict[info.Name] = tensor
	}
	return artifact, nil
}

const (
	binHeader     = "gomlx_checkpoints"
	lenBinHeader  = len(binHeader)
	gzipHeader    = "gzip"
	lenGzipHeader = uint8(len(gzipHeader))
)

// Format header
//
// ----------------------------------------------
// | 0                 16 | 17  | 18    17 +len |
// ----------------------------------------------
// |  "gomlx_checkpoints" | len |  "gzip"       |

// getLoadVarFilesFromReader returns a reader to the decompressed binary data. Files without the header
// are read uncompressed.
func getLoadVarFilesFromReader(f io.ReadSeeker) (io.Reader, error) {
	buf := make([]byte, lenBinHeader)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "read header")
	}
	if n != lenBinHeader || string(buf) != binHeader {
		if _, err = f.Seek(0, io.SeekStart); err != nil {
			return nil, errors.Wrap(err, "seek header")
		}
		return f, nil
	}
	var headerZipLen uint8
	if err := binary.Read(f, binary.BigEndian, &headerZipLen); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	buf1 := make([]byte, headerZipLen)
	if _, err = io.ReadFull(f, buf1); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	if string(buf1) != gzipHeader {
		return nil, ErrUnsupportedCompression
	}
	rd, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrap(err, "read gzip header")
	}
	defer func() { _ = rd.Close() }()
	var rd1 bytes.Buffer
	if _, err = rd1.ReadFrom(rd); err != nil {
		return nil, errors.Wrap(err, "read zip")
	}
	return &rd1, nil
}

// gzipFile closes both the gzip stream and the underlying file.
type gzipFile struct {
	*gzip.Writer
	f *os.File
}

func (g gzipFile) Close() error {
	if err := g.Writer.Close(); err != nil {
		_ = g.f.Close()
		return err
	}
	return g.f.Close()
}

// getSaveVarFiles creates a new file at the specified path, writes the header and returns a writer for the
// file. Closing the writer flushes it and closes the file.
func getSaveVarFiles(path string, bf BinFormat) (io.WriteCloser, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create file")
	}
	if bf == BinUncompressed {
		return f, nil
	}
	var h []byte
	h = append(h, []byte(binHeader)...)
	h = append(h, lenGzipHeader)
	h = append(h, []byte(gzipHeader)...)
	if _, err = f.Write(h); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "write header")
	}
	return gzipFile{Writer: gzip.NewWriter(f), f: f}, nil
}
