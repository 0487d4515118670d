// Пакет attr — сохранение состояния сессий загрузки рядом с частичными
// файлами: <tempDir>/<uploadId>.attr.json.
// После рестарта сессии восстанавливаются из этих файлов.
// Все операции записи выполняются атомарно: temp → fsync → rename.
package attr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bigkaa/goartstore/media-sync/internal/domain/session"
)

// AttrSuffix — суффикс файла состояния сессии.
const AttrSuffix = ".attr.json"

// maxAttrFileSize — максимальный допустимый размер attr.json (4 КБ).
// Ограничение гарантирует атомарность записи.
const maxAttrFileSize = 4096

// FilePath возвращает путь attr.json для сессии uploadID.
func FilePath(dir, uploadID string) string {
	return filepath.Join(dir, uploadID+AttrSuffix)
}

// IsAttrFile проверяет, является ли путь файлом состояния.
func IsAttrFile(path string) bool {
	return strings.HasSuffix(path, AttrSuffix)
}

// Write атомарно записывает состояние сессии.
// Паттерн: JSON → temp файл → fsync → atomic rename.
func Write(path string, rec *session.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ошибка сериализации сессии: %w", err)
	}
	if len(data) > maxAttrFileSize {
		return fmt.Errorf("размер attr.json (%d байт) превышает максимум (%d байт)", len(data), maxAttrFileSize)
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	return nil
}

// Read читает состояние сессии из attr.json.
func Read(path string) (*session.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения attr.json %s: %w", path, err)
	}

	var rec session.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("ошибка десериализации attr.json %s: %w", path, err)
	}
	if rec.UploadID == "" || rec.ExpectedHash == "" {
		return nil, fmt.Errorf("attr.json %s: не заполнены upload_id/expected_hash", path)
	}
	if _, err := session.ParseStatus(string(rec.Status)); err != nil {
		return nil, fmt.Errorf("attr.json %s: %w", path, err)
	}
	return &rec, nil
}

// Delete удаляет attr.json. Отсутствующий файл — не ошибка.
func Delete(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("ошибка удаления attr.json %s: %w", path, err)
	}
	return nil
}

// ScanDir читает все файлы состояния в директории (не рекурсивно).
// Повреждённые файлы не прерывают обход: их пути возвращаются в invalid.
func ScanDir(dir string) (records []*session.Record, invalid []string, err error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+AttrSuffix))
	if err != nil {
		return nil, nil, fmt.Errorf("ошибка сканирования директории %s: %w", dir, err)
	}

	for _, path := range matches {
		rec, err := Read(path)
		if err != nil {
			invalid = append(invalid, path)
			continue
		}
		records = append(records, rec)
	}
	return records, invalid, nil
}
