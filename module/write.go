package module

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"fortio.org/safecast"

	"github.com/sliverarmory/nativepatch/metadata"
)

// SectionName names the section that carries rewritten bodies and metadata.
const SectionName = ".natp"

// Bytes serializes the module. An unmodified module yields its input bytes
// unchanged; otherwise the new bodies and the re-encoded metadata go into an
// appended section and the old ones are left in place, unreferenced.
func (module *Module) Bytes() ([]byte, error) {
	if !module.Modified() {
		return module.image.Bytes(), nil
	}
	if module.output != nil {
		return module.output, nil
	}

	md := module.md.Clone()
	if len(module.removed) > 0 {
		table := md.Table(metadata.TableCustomAttribute)
		kept := table.Rows[:0:0]
		for i, row := range table.Rows {
			if !module.removed[i] {
				kept = append(kept, row)
			}
		}
		table.Rows = kept
	}

	base := module.image.NextSectionRVA()
	var content []byte
	methods := md.Table(metadata.TableMethodDef)
	for _, rid := range slices.Sorted(maps.Keys(module.bodies)) {
		content = pad4(content)
		offset, err := safecast.Conv[uint32](len(content))
		if err != nil {
			return nil, err
		}
		row := slices.Clone(methods.Rows[rid-1])
		row[metadata.MethodDefRVA] = base + offset
		methods.Rows[rid-1] = row
		content = append(content, module.bodies[rid]...)
	}

	content = pad4(content)
	mdOffset, err := safecast.Conv[uint32](len(content))
	if err != nil {
		return nil, err
	}
	encoded, err := md.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	mdSize, err := safecast.Conv[uint32](len(encoded))
	if err != nil {
		return nil, err
	}
	content = append(content, encoded...)

	out, err := module.image.AppendSection(SectionName, content, base+mdOffset, mdSize)
	if err != nil {
		return nil, err
	}
	module.output = out
	return out, nil
}

// Write stores the module at path. The bytes go to a temporary sibling that
// is synced and renamed over path, so path is either untouched or complete.
func (module *Module) Write(path string) error {
	data, err := module.Bytes()
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrWrite, path, err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) (err error) {
	mode := fs.FileMode(0o644)
	if info, statErr := os.Stat(path); statErr == nil {
		mode = info.Mode().Perm()
	} else if !errors.Is(statErr, fs.ErrNotExist) {
		return statErr
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Chmod(mode); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func pad4(b []byte) []byte {
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}
