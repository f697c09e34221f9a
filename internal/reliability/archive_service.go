package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const archivePrefix = "shelfops-archive-"

// Keep at least this many archives regardless of age.
const minArchivesToKeep = 3

// ArchiveMetadata describes one uploaded archive.
type ArchiveMetadata struct {
	Timestamp time.Time      `json:"timestamp"`
	Sources   []FileMetadata `json:"sources"`
}

// FileMetadata is one archived file.
type FileMetadata struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// ArchiveInfo summarizes one stored archive.
type ArchiveInfo struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
}

// ArchiveService bundles report and model directories into tar.gz archives
// and ships them to the bucket.
type ArchiveService struct {
	client    *S3Client
	reportDir string
	modelDir  string
	log       zerolog.Logger
}

// NewArchiveService creates the archive service.
func NewArchiveService(client *S3Client, reportDir, modelDir string, log zerolog.Logger) *ArchiveService {
	return &ArchiveService{
		client:    client,
		reportDir: reportDir,
		modelDir:  modelDir,
		log:       log.With().Str("service", "archive").Logger(),
	}
}

// CreateAndUpload archives both directories and uploads the result.
func (s *ArchiveService) CreateAndUpload(ctx context.Context) error {
	started := time.Now()

	staging, err := os.MkdirTemp("", "shelfops-archive-")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	var sources []string
	for _, dir := range []string{s.reportDir, s.modelDir} {
		files, err := collectFiles(dir)
		if err != nil {
			return err
		}
		sources = append(sources, files...)
	}
	if len(sources) == 0 {
		s.log.Info().Msg("Nothing to archive")
		return nil
	}
	sort.Strings(sources)

	metadata := ArchiveMetadata{Timestamp: started.UTC()}
	for _, path := range sources {
		entry, err := fileMetadata(path)
		if err != nil {
			return err
		}
		metadata.Sources = append(metadata.Sources, entry)
	}
	metadataPath := filepath.Join(staging, "archive-metadata.json")
	if err := writeMetadata(metadataPath, metadata); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	archiveName := fmt.Sprintf("%s%s.tar.gz", archivePrefix, started.Format("2006-01-02-150405"))
	archivePath := filepath.Join(staging, archiveName)
	if err := s.createArchive(archivePath, append(sources, metadataPath)); err != nil {
		return err
	}

	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer archiveFile.Close()

	if err := s.client.Upload(ctx, archiveName, archiveFile); err != nil {
		return err
	}

	info, _ := os.Stat(archivePath)
	s.log.Info().
		Str("archive", archiveName).
		Int("files", len(sources)).
		Int64("size_bytes", info.Size()).
		Dur("duration", time.Since(started)).
		Msg("Archive uploaded")
	return nil
}

// ListArchives lists stored archives, newest first.
func (s *ArchiveService) ListArchives(ctx context.Context) ([]ArchiveInfo, error) {
	objects, err := s.client.List(ctx, archivePrefix)
	if err != nil {
		return nil, err
	}

	archives := make([]ArchiveInfo, 0, len(objects))
	for _, obj := range objects {
		if obj.Key == nil {
			continue
		}
		key := *obj.Key
		if !strings.HasSuffix(key, ".tar.gz") {
			continue
		}
		stampStr := strings.TrimSuffix(strings.TrimPrefix(key, archivePrefix), ".tar.gz")
		stamp, err := time.Parse("2006-01-02-150405", stampStr)
		if err != nil {
			s.log.Warn().Str("key", key).Msg("Unparseable archive timestamp")
			continue
		}
		var size int64
		if obj.Size != nil {
			size = *obj.Size
		}
		archives = append(archives, ArchiveInfo{Key: key, Timestamp: stamp, SizeBytes: size})
	}

	sort.Slice(archives, func(i, j int) bool {
		return archives[i].Timestamp.After(archives[j].Timestamp)
	})
	return archives, nil
}

// Rotate deletes archives past retention, always keeping the newest few.
// retention <= 0 keeps everything.
func (s *ArchiveService) Rotate(ctx context.Context, retention time.Duration) error {
	archives, err := s.ListArchives(ctx)
	if err != nil {
		return err
	}
	if len(archives) <= minArchivesToKeep || retention <= 0 {
		return nil
	}

	cutoff := time.Now().Add(-retention)
	deleted := 0
	for i, archive := range archives {
		if i < minArchivesToKeep || !archive.Timestamp.Before(cutoff) {
			continue
		}
		if err := s.client.Delete(ctx, archive.Key); err != nil {
			s.log.Error().Err(err).Str("key", archive.Key).Msg("Failed to delete old archive")
			continue
		}
		deleted++
	}

	s.log.Info().Int("deleted", deleted).Int("remaining", len(archives)-deleted).
		Msg("Archive rotation completed")
	return nil
}

func (s *ArchiveService) createArchive(archivePath string, files []string) error {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer archiveFile.Close()

	gzipWriter := gzip.NewWriter(archiveFile)
	defer gzipWriter.Close()

	tarWriter := tar.NewWriter(gzipWriter)
	defer tarWriter.Close()

	for _, path := range files {
		if err := addFileToArchive(tarWriter, path); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", path, err)
		}
	}
	return nil
}

func addFileToArchive(tarWriter *tar.Writer, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    filepath.Base(path),
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tarWriter.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tarWriter, file)
	return err
}

func collectFiles(dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	var out []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if !d.IsDir() {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	return out, nil
}

func fileMetadata(path string) (FileMetadata, error) {
	file, err := os.Open(path)
	if err != nil {
		return FileMetadata{}, err
	}
	defer file.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return FileMetadata{}, err
	}
	return FileMetadata{
		Name:      filepath.Base(path),
		SizeBytes: size,
		Checksum:  fmt.Sprintf("sha256:%x", hash.Sum(nil)),
	}, nil
}

func writeMetadata(path string, metadata ArchiveMetadata) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(metadata)
}
