package server

import (
	"bufio"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// StudentFile is an Authenticator backed by a text file with one student per
// line:
//
//	# no:password:name
//	415576:s3cret:Ayse Yilmaz
//
// Blank lines and lines starting with '#' are ignored; malformed lines are
// skipped with a warning.
type StudentFile struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	students map[string]student
}

type student struct {
	password string
	name     string
}

// LoadStudentFile reads the credential file at path. A nil logger selects
// slog.Default().
func LoadStudentFile(path string, logger *slog.Logger) (*StudentFile, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sf := &StudentFile{path: path, logger: logger}
	if err := sf.Reload(); err != nil {
		return nil, err
	}
	return sf, nil
}

// Reload re-reads the file. On error the previous contents are kept.
func (sf *StudentFile) Reload() error {
	f, err := os.Open(sf.path)
	if err != nil {
		return fmt.Errorf("%w: open student file: %w", ErrFileOperation, err)
	}
	defer f.Close()

	students := make(map[string]student)
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 3)
		if len(parts) < 3 {
			sf.logger.Warn("student_file_line_skipped", "path", sf.path, "line", lineNo, "reason", "missing fields")
			continue
		}
		no, pass, name := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), strings.TrimSpace(parts[2])
		if no == "" || pass == "" || name == "" {
			sf.logger.Warn("student_file_line_skipped", "path", sf.path, "line", lineNo, "reason", "empty field")
			continue
		}
		students[no] = student{password: pass, name: name}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%w: read student file: %w", ErrFileOperation, err)
	}

	sf.mu.Lock()
	sf.students = students
	sf.mu.Unlock()
	sf.logger.Info("students_loaded", "path", sf.path, "count", len(students))
	return nil
}

// Verify implements Authenticator.
func (sf *StudentFile) Verify(identity, secret string) (string, bool, error) {
	sf.mu.RLock()
	st, ok := sf.students[identity]
	sf.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	if subtle.ConstantTimeCompare([]byte(st.password), []byte(secret)) != 1 {
		return "", false, nil
	}
	return st.name, true, nil
}

// Len returns the number of known students.
func (sf *StudentFile) Len() int {
	sf.mu.RLock()
	defer sf.mu.RUnlock()
	return len(sf.students)
}

// maxNameLength caps the sanitized part of a stored file name, in bytes.
// Extensions longer than maxExtLength count as part of the stem.
const (
	maxNameLength = 100
	maxExtLength  = 10
)

var unsafeNameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

// SanitizeFileName replaces characters that are unsafe in file names with
// '_', turns a leading dot into "file_" and truncates long names on a rune
// boundary while keeping a short extension.
func SanitizeFileName(name string) string {
	safe := unsafeNameChars.ReplaceAllString(name, "_")
	if strings.HasPrefix(safe, ".") {
		safe = "file_" + safe[1:]
	}
	if len(safe) > maxNameLength {
		ext := path.Ext(safe)
		if len(ext) > maxExtLength {
			ext = ""
		}
		stem := strings.TrimSuffix(safe, ext)
		n := maxNameLength - len(ext)
		for n > 0 && !utf8.RuneStart(stem[n]) {
			n--
		}
		safe = stem[:n] + ext
	}
	if safe == "" {
		safe = "file"
	}
	return safe
}

// submissionMeta is the JSON sidecar written next to every stored answer.
type submissionMeta struct {
	StudentNo        string    `json:"student_no"`
	OriginalFilename string    `json:"original_filename"`
	FileSize         int64     `json:"file_size"`
	UploadTime       time.Time `json:"upload_time"`
	FileHash         string    `json:"file_hash"`
}

// AnswerStore is a SubmissionStore that writes answers into one directory.
//
// Stored names are "<identity>_<YYYYmmdd_HHMMSS>_<sanitized name>". Files are
// written to a temporary name, synced, size-checked and then renamed, so a
// partially written answer never appears under its final name. All access
// goes through os.Root and cannot escape the directory.
type AnswerStore struct {
	logger     *slog.Logger
	dir        string
	root       *os.Root
	allowedExt []string
	now        func() time.Time
	mu         sync.Mutex
}

// AnswerStoreOption configures an AnswerStore.
type AnswerStoreOption func(*AnswerStore)

// WithAllowedExtensions restricts uploads to the given extensions
// (".pdf", ".docx", ...). Matching is case-insensitive.
func WithAllowedExtensions(exts ...string) AnswerStoreOption {
	return func(a *AnswerStore) {
		for _, e := range exts {
			a.allowedExt = append(a.allowedExt, strings.ToLower(e))
		}
	}
}

// WithStoreLogger sets the logger for non-fatal storage problems.
func WithStoreLogger(logger *slog.Logger) AnswerStoreOption {
	return func(a *AnswerStore) {
		a.logger = logger
	}
}

// NewAnswerStore opens (creating if needed) the answers directory.
func NewAnswerStore(dir string, options ...AnswerStoreOption) (*AnswerStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create answers dir: %w", ErrFileOperation, err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: open answers dir: %w", ErrFileOperation, err)
	}
	a := &AnswerStore{logger: slog.Default(), dir: dir, root: root, now: time.Now}
	for _, opt := range options {
		opt(a)
	}
	return a, nil
}

// Close releases the directory handle.
func (a *AnswerStore) Close() error {
	return a.root.Close()
}

// Save implements SubmissionStore.
func (a *AnswerStore) Save(data []byte, identity, originalName string) (Submission, error) {
	if len(a.allowedExt) > 0 && !slices.Contains(a.allowedExt, strings.ToLower(path.Ext(originalName))) {
		return Submission{}, fmt.Errorf("%w: extension of %q not allowed", ErrFileOperation, originalName)
	}

	// Serialized so two uploads in the same second cannot pick the same name.
	a.mu.Lock()
	defer a.mu.Unlock()

	name := a.uniqueName(fmt.Sprintf("%s_%s_%s",
		SanitizeFileName(identity), a.now().Format("20060102_150405"), SanitizeFileName(originalName)))
	tmp := name + ".tmp"

	if err := a.writeSynced(tmp, data); err != nil {
		_ = a.root.Remove(tmp)
		return Submission{}, err
	}
	if err := a.root.Rename(tmp, name); err != nil {
		_ = a.root.Remove(tmp)
		return Submission{}, fmt.Errorf("%w: rename %s: %w", ErrFileOperation, tmp, err)
	}

	sum := sha256.Sum256(data)
	sub := Submission{
		Path:     filepath.Join(a.dir, name),
		SafeName: name,
		Size:     int64(len(data)),
		SHA256:   hex.EncodeToString(sum[:]),
	}

	meta, err := json.MarshalIndent(submissionMeta{
		StudentNo:        identity,
		OriginalFilename: originalName,
		FileSize:         sub.Size,
		UploadTime:       a.now(),
		FileHash:         sub.SHA256,
	}, "", "  ")
	if err == nil {
		err = a.root.WriteFile(name+".meta", meta, 0o644)
	}
	if err != nil {
		// The answer itself is safe; a missing sidecar is not worth failing
		// the upload for.
		a.logger.Warn("submission_meta_failed", "file", name, "error", err)
	}
	return sub, nil
}

func (a *AnswerStore) writeSynced(name string, data []byte) error {
	f, err := a.root.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrFileOperation, name, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("%w: write %s: %w", ErrFileOperation, name, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: sync %s: %w", ErrFileOperation, name, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("%w: stat %s: %w", ErrFileOperation, name, err)
	}
	if info.Size() != int64(len(data)) {
		f.Close()
		return fmt.Errorf("%w: %s is %d bytes, expected %d", ErrFileOperation, name, info.Size(), len(data))
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %w", ErrFileOperation, name, err)
	}
	return nil
}

// uniqueName appends a counter when name is already taken.
func (a *AnswerStore) uniqueName(name string) string {
	if _, err := a.root.Stat(name); errors.Is(err, fs.ErrNotExist) {
		return name
	}
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", base, i, ext)
		if _, err := a.root.Stat(candidate); errors.Is(err, fs.ErrNotExist) {
			return candidate
		}
	}
}

// QuestionDir is a QuestionBank serving the regular files of one directory.
type QuestionDir struct {
	root *os.Root
}

// NewQuestionDir opens (creating if needed) the questions directory.
func NewQuestionDir(dir string) (*QuestionDir, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create questions dir: %w", ErrFileOperation, err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: open questions dir: %w", ErrFileOperation, err)
	}
	return &QuestionDir{root: root}, nil
}

// Close releases the directory handle.
func (q *QuestionDir) Close() error {
	return q.root.Close()
}

// ListFiles implements QuestionBank. Names are sorted; subdirectories and
// other non-regular entries are skipped.
func (q *QuestionDir) ListFiles() ([]string, error) {
	entries, err := fs.ReadDir(q.root.FS(), ".")
	if err != nil {
		return nil, fmt.Errorf("%w: list questions: %w", ErrFileOperation, err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}

// ReadFile implements QuestionBank.
func (q *QuestionDir) ReadFile(name string) ([]byte, error) {
	info, err := q.root.Stat(name)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: %w", name, os.ErrNotExist)
	}
	return q.root.ReadFile(name)
}

// LogObserver is an Observer that writes every event as a structured log
// record.
type LogObserver struct {
	Logger *slog.Logger
}

// Notify implements Observer.
func (o LogObserver) Notify(e Event) {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"time", e.Time}
	if e.Identity != "" {
		attrs = append(attrs, "identity", e.Identity)
	}
	if e.DisplayName != "" {
		attrs = append(attrs, "name", e.DisplayName)
	}
	if e.RemoteIP != "" {
		attrs = append(attrs, "remote_ip", e.RemoteIP)
	}
	if e.File != "" {
		attrs = append(attrs, "file", e.File)
	}
	if e.Reason != "" {
		attrs = append(attrs, "reason", e.Reason)
	}
	if e.Seconds != 0 {
		attrs = append(attrs, "seconds", e.Seconds)
	}
	logger.Info("event_"+e.Kind.String(), attrs...)
}
