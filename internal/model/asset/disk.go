package asset

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DiskStore lays assets out as <base>/<sessionID>/images/<reference>.
type DiskStore struct {
	base string
}

func NewDiskStore(base string) (*DiskStore, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create asset storage: %w", err)
	}
	return &DiskStore{base: base}, nil
}

func (s *DiskStore) dir(sessionID string) (string, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) || sessionID == "." || sessionID == ".." {
		return "", ErrNotFound
	}
	return filepath.Join(s.base, sessionID, "images"), nil
}

func (s *DiskStore) path(sessionID, reference string) (string, error) {
	dir, err := s.dir(sessionID)
	if err != nil {
		return "", err
	}
	if reference == "" || reference != filepath.Base(reference) || strings.HasPrefix(reference, ".") {
		return "", ErrNotFound
	}
	return filepath.Join(dir, reference), nil
}

func (s *DiskStore) Put(_ context.Context, a Asset) error {
	p, err := s.path(a.SessionID, a.Reference)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create session asset dir: %w", err)
	}

	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("create asset: %w", err)
	}

	if _, err := f.Write(a.Data); err != nil {
		f.Close()
		os.Remove(p)
		return fmt.Errorf("write asset: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(p)
		return fmt.Errorf("close asset: %w", err)
	}
	return nil
}

func (s *DiskStore) Get(_ context.Context, sessionID, reference string) (Asset, error) {
	p, err := s.path(sessionID, reference)
	if err != nil {
		return Asset{}, err
	}

	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return Asset{}, ErrNotFound
	}
	if err != nil {
		return Asset{}, fmt.Errorf("stat asset: %w", err)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return Asset{}, fmt.Errorf("read asset: %w", err)
	}

	return Asset{
		SessionID: sessionID,
		Reference: reference,
		Filename:  reference,
		MimeType:  mimeFromName(reference),
		Size:      info.Size(),
		Data:      data,
		CreatedAt: info.ModTime().UTC(),
	}, nil
}

func (s *DiskStore) List(_ context.Context, sessionID string) ([]Asset, error) {
	dir, err := s.dir(sessionID)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []Asset{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}

	list := make([]Asset, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		list = append(list, Asset{
			SessionID: sessionID,
			Reference: entry.Name(),
			Filename:  entry.Name(),
			MimeType:  mimeFromName(entry.Name()),
			Size:      info.Size(),
			CreatedAt: info.ModTime().UTC(),
		})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Reference < list[j].Reference })
	return list, nil
}

func (s *DiskStore) DeleteSession(_ context.Context, sessionID string) error {
	dir, err := s.dir(sessionID)
	if err != nil {
		return nil
	}
	return os.RemoveAll(filepath.Dir(dir))
}

func mimeFromName(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return strings.SplitN(t, ";", 2)[0]
	}
	return "application/octet-stream"
}
