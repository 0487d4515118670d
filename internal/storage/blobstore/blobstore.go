// Пакет blobstore — content-addressed хранилище блобов на диске.
//
// Блоб адресуется SHA-256 своего содержимого: <blobDir>/<hash[0:2]>/<hash>.
// Частичные загрузки живут в <tempDir>/<uploadId>.part и переносятся
// в хранилище атомарным rename после проверки хэша.
package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/google/uuid"
)

const (
	partialSuffix = ".part"
	lockStripes   = 64
)

var (
	// ErrBlobNotFound — блоб отсутствует в хранилище.
	ErrBlobNotFound = errors.New("блоб не найден")
	// ErrInvalidHash — строка не является hex SHA-256.
	ErrInvalidHash = errors.New("некорректный хэш содержимого")
	// ErrInvalidUploadID — uploadId не является UUID.
	ErrInvalidUploadID = errors.New("некорректный uploadId")
)

// Store — content-addressed хранилище блобов.
type Store struct {
	blobDir  string
	tempDir  string
	maxBytes int64
	used     atomic.Int64
	locks    [lockStripes]sync.Mutex
}

// Usage — информация о ёмкости хранилища.
type Usage struct {
	// UsedBytes — суммарный размер блобов
	UsedBytes int64 `json:"used_bytes"`
	// MaxBytes — лимит хранилища (0 — без лимита)
	MaxBytes int64 `json:"max_bytes"`
	// DiskTotal — ёмкость файловой системы
	DiskTotal int64 `json:"disk_total"`
	// DiskAvailable — свободное место на файловой системе
	DiskAvailable int64 `json:"disk_available"`
}

// New создаёт Store, создаёт директории и подсчитывает занятый объём.
func New(blobDir, tempDir string, maxBytes int64) (*Store, error) {
	for _, dir := range []string{blobDir, tempDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
		}
	}

	s := &Store{blobDir: blobDir, tempDir: tempDir, maxBytes: maxBytes}
	var used int64
	err := s.WalkHashes(func(_ string, size int64) error {
		used += size
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка подсчёта объёма хранилища: %w", err)
	}
	s.used.Store(used)
	return s, nil
}

// ValidHash проверяет, что h — 64 символа hex в нижнем регистре.
func ValidHash(h string) bool {
	if len(h) != sha256.Size*2 || strings.ToLower(h) != h {
		return false
	}
	_, err := hex.DecodeString(h)
	return err == nil
}

// BlobPath возвращает путь блоба на диске.
func (s *Store) BlobPath(hash string) (string, error) {
	if !ValidHash(hash) {
		return "", fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	return filepath.Join(s.blobDir, hash[:2], hash), nil
}

// LockHash захватывает мьютекс хэша (полосатая блокировка).
// Используется финализацией загрузки и очисткой, чтобы проверка ссылок
// и удаление блоба не пересекались с созданием новой записи того же хэша.
func (s *Store) LockHash(hash string) (unlock func()) {
	h := fnv.New32a()
	h.Write([]byte(hash))
	mu := &s.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// Exists проверяет наличие блоба.
func (s *Store) Exists(hash string) (bool, error) {
	path, err := s.BlobPath(hash)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("ошибка stat блоба %s: %w", hash, err)
}

// Size возвращает размер блоба.
func (s *Store) Size(hash string) (int64, error) {
	path, err := s.BlobPath(hash)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrBlobNotFound
		}
		return 0, fmt.Errorf("ошибка stat блоба %s: %w", hash, err)
	}
	return info.Size(), nil
}

// Open открывает блоб для чтения. Вызывающий код обязан закрыть файл.
func (s *Store) Open(hash string) (*os.File, error) {
	path, err := s.BlobPath(hash)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("ошибка открытия блоба %s: %w", hash, err)
	}
	return f, nil
}

// Delete удаляет блоб. Отсутствующий блоб — не ошибка.
// Вызывается только очисткой (purge) под LockHash.
func (s *Store) Delete(hash string) error {
	path, err := s.BlobPath(hash)
	if err != nil {
		return err
	}
	info, statErr := os.Stat(path)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("ошибка удаления блоба %s: %w", hash, err)
	}
	if statErr == nil {
		s.used.Add(-info.Size())
	}
	return nil
}

// Verify пересчитывает SHA-256 блоба и сравнивает с адресом.
// Возвращает фактический хэш; ErrBlobNotFound, если блоба нет.
func (s *Store) Verify(hash string) (ok bool, actual string, err error) {
	f, err := s.Open(hash)
	if err != nil {
		return false, "", err
	}
	defer f.Close()

	actual, err = hashReader(f)
	if err != nil {
		return false, "", fmt.Errorf("ошибка вычисления хэша блоба %s: %w", hash, err)
	}
	return actual == hash, actual, nil
}

// WalkHashes обходит все блобы хранилища. Файлы с некорректными
// именами (временные, посторонние) пропускаются.
func (s *Store) WalkHashes(fn func(hash string, size int64) error) error {
	return filepath.WalkDir(s.blobDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !ValidHash(name) || filepath.Base(filepath.Dir(path)) != name[:2] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		return fn(name, info.Size())
	})
}

// SampleHashes возвращает случайную выборку до n хэшей (reservoir sampling).
// total — общее число блобов в хранилище.
func (s *Store) SampleHashes(n int) (sample []string, total int, err error) {
	if n <= 0 {
		return nil, 0, nil
	}
	sample = make([]string, 0, n)
	err = s.WalkHashes(func(hash string, _ int64) error {
		total++
		if len(sample) < n {
			sample = append(sample, hash)
			return nil
		}
		if j := rand.IntN(total); j < n {
			sample[j] = hash
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return sample, total, nil
}

// --- Частичные загрузки ---

// PartialPath возвращает путь частичного файла загрузки.
func (s *Store) PartialPath(uploadID string) (string, error) {
	if _, err := uuid.Parse(uploadID); err != nil || len(uploadID) != 36 {
		return "", fmt.Errorf("%w: %q", ErrInvalidUploadID, uploadID)
	}
	return filepath.Join(s.tempDir, uploadID+partialSuffix), nil
}

// AppendPartial записывает data по смещению offset и обрезает файл
// до offset+len(data). Хвост, оставшийся после сбоя, перезаписывается.
// Вызывающий код гарантирует offset == длина подтверждённого префикса.
func (s *Store) AppendPartial(uploadID string, offset int64, data []byte) error {
	path, err := s.PartialPath(uploadID)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("ошибка открытия частичного файла: %w", err)
	}

	if _, err := f.WriteAt(data, offset); err != nil {
		f.Close()
		return fmt.Errorf("ошибка записи чанка: %w", err)
	}
	if err := f.Truncate(offset + int64(len(data))); err != nil {
		f.Close()
		return fmt.Errorf("ошибка обрезки частичного файла: %w", err)
	}
	// fsync: подтверждённый префикс должен пережить сбой
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("ошибка закрытия частичного файла: %w", err)
	}
	return nil
}

// PartialSize возвращает размер частичного файла (0, если файла нет).
func (s *Store) PartialSize(uploadID string) (int64, error) {
	path, err := s.PartialPath(uploadID)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("ошибка stat частичного файла: %w", err)
	}
	return info.Size(), nil
}

// TruncatePartial обрезает частичный файл до size байт.
func (s *Store) TruncatePartial(uploadID string, size int64) error {
	path, err := s.PartialPath(uploadID)
	if err != nil {
		return err
	}
	if err := os.Truncate(path, size); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("ошибка обрезки частичного файла: %w", err)
	}
	return nil
}

// HashPartial вычисляет SHA-256 частичного файла.
// Отсутствующий файл трактуется как пустой (загрузка файла нулевой длины).
func (s *Store) HashPartial(uploadID string) (string, error) {
	path, err := s.PartialPath(uploadID)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return hashReader(strings.NewReader(""))
		}
		return "", fmt.Errorf("ошибка открытия частичного файла: %w", err)
	}
	defer f.Close()
	return hashReader(f)
}

// RemovePartial удаляет частичный файл. Отсутствующий файл — не ошибка.
func (s *Store) RemovePartial(uploadID string) error {
	path, err := s.PartialPath(uploadID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("ошибка удаления частичного файла: %w", err)
	}
	return nil
}

// ListPartials возвращает uploadId всех частичных файлов во временной директории.
func (s *Store) ListPartials() ([]string, error) {
	entries, err := os.ReadDir(s.tempDir)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения временной директории: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, partialSuffix) {
			continue
		}
		id := strings.TrimSuffix(name, partialSuffix)
		if _, err := uuid.Parse(id); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Commit переносит частичный файл в хранилище под адресом hash.
// Если блоб уже существует (дедупликация), частичный файл удаляется
// и created == false. Вызывающий код держит LockHash(hash).
//
// Паттерн: fsync частичного файла выполнен в AppendPartial → atomic rename.
// Если temp и blob на разных файловых системах — копирование через
// временный файл в каталоге шарда.
func (s *Store) Commit(uploadID, hash string) (created bool, err error) {
	dst, err := s.BlobPath(hash)
	if err != nil {
		return false, err
	}
	src, err := s.PartialPath(uploadID)
	if err != nil {
		return false, err
	}

	exists, err := s.Exists(hash)
	if err != nil {
		return false, err
	}
	if exists {
		if err := s.RemovePartial(uploadID); err != nil {
			return false, err
		}
		return false, nil
	}

	// Файл нулевой длины мог не получить ни одного чанка
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		if err := os.WriteFile(src, nil, 0o640); err != nil {
			return false, fmt.Errorf("ошибка создания пустого файла: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return false, fmt.Errorf("ошибка создания каталога шарда: %w", err)
	}

	if err := os.Rename(src, dst); err != nil {
		var linkErr *os.LinkError
		if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
			return false, fmt.Errorf("ошибка атомарного переименования: %w", err)
		}
		if err := copyInto(src, dst); err != nil {
			return false, err
		}
		os.Remove(src)
	}

	if info, err := os.Stat(dst); err == nil {
		s.used.Add(info.Size())
	}
	return true, nil
}

// --- Ёмкость ---

// Usage возвращает занятый объём и состояние файловой системы.
func (s *Store) Usage() (Usage, error) {
	u := Usage{UsedBytes: s.used.Load(), MaxBytes: s.maxBytes}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(s.blobDir, &stat); err != nil {
		return u, fmt.Errorf("ошибка statfs %s: %w", s.blobDir, err)
	}
	u.DiskTotal = int64(stat.Blocks) * int64(stat.Bsize)
	u.DiskAvailable = int64(stat.Bavail) * int64(stat.Bsize)
	return u, nil
}

// HasSpace проверяет, поместятся ли ещё n байт: и в лимит хранилища,
// и на файловую систему. Ошибка statfs не блокирует загрузку.
func (s *Store) HasSpace(n int64) bool {
	u, err := s.Usage()
	if s.maxBytes > 0 && u.UsedBytes+n > s.maxBytes {
		return false
	}
	if err == nil && u.DiskTotal > 0 && n > u.DiskAvailable {
		return false
	}
	return true
}

// --- Вспомогательные функции ---

// hashReader вычисляет hex SHA-256 потока.
func hashReader(r io.Reader) (string, error) {
	hasher := sha256.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// copyInto копирует src в dst через temp файл → fsync → atomic rename.
func copyInto(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("ошибка открытия частичного файла: %w", err)
	}
	defer in.Close()

	tmpPath := dst + ".tmp"
	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка копирования блоба: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	return nil
}
