package recorder

import (
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/airel/go-tic/internal/errors"
)

// TimedFile 按时间模板轮转的追加写入文件
//
// pattern是Go时间布局，如"20060102-block.records"。格式化结果
// 变化时关闭旧文件并打开新文件，实现按天轮转。
type TimedFile struct {
	dir     string
	pattern string

	file *os.File
	name string
}

// NewTimedFile 创建轮转文件
func NewTimedFile(dir string, pattern string) *TimedFile {
	return &TimedFile{dir: dir, pattern: pattern}
}

// Get 返回t时刻对应的文件
//
// 第二个返回值表示文件是否刚被打开，新文件由调用方写入表头。
// 以追加模式打开，目录不存在时自动创建。
func (f *TimedFile) Get(t time.Time) (*os.File, bool, error) {
	name := filepath.Join(f.dir, t.Format(f.pattern))
	if f.name == name && f.file != nil {
		return f.file, false, nil
	}

	if f.file != nil {
		f.file.Close()
		f.file = nil
	}

	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return nil, false, apperrors.Wrap(err, apperrors.ErrRecordWrite, "create output directory")
	}

	file, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, false, apperrors.Wrap(err, apperrors.ErrRecordWrite, "open records file")
	}

	f.name = name
	f.file = file
	return file, true, nil
}

// Close 关闭当前文件
func (f *TimedFile) Close() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	f.name = ""
	return err
}
