// Package ocr extracts text from screen captures by running the tesseract
// command line engine.
package ocr

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTesseractPath = "tesseract"
	engineName           = "tesseract"
)

// Box is a word's bounding box in image pixels.
type Box struct {
	Text       string  `json:"text"`
	Left       int     `json:"left"`
	Top        int     `json:"top"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Confidence float64 `json:"confidence"`
}

// Extraction is the text found in one image.
type Extraction struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Boxes      []Box   `json:"bounding_boxes"`
	Engine     string  `json:"engine"`
}

// Extractor turns an image reference into text.
type Extractor interface {
	Extract(ctx context.Context, image, langHint string) (Extraction, error)
}

type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Tesseract runs the tesseract binary once per extraction.
type Tesseract struct {
	path    string
	timeout time.Duration
	run     runFunc
}

func NewTesseract(path string) *Tesseract {
	if path == "" {
		path = defaultTesseractPath
	}
	return &Tesseract{
		path:    path,
		timeout: 10 * time.Second,
		run:     runCommand,
	}
}

func (t *Tesseract) SetTimeout(d time.Duration) {
	t.timeout = d
}

// Available reports whether the binary can be executed.
func (t *Tesseract) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	_, err := t.run(ctx, t.path, "--version")
	return err == nil
}

func (t *Tesseract) Extract(ctx context.Context, image, langHint string) (Extraction, error) {
	if strings.TrimSpace(image) == "" {
		return Extraction{}, errors.New("image path is required")
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	args := []string{image, "stdout"}
	if lang := TesseractLang(langHint); lang != "" {
		args = append(args, "-l", lang)
	}
	args = append(args, "tsv")

	out, err := t.run(ctx, t.path, args...)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Extraction{}, fmt.Errorf("tesseract exited with code %d: %s",
				exitErr.ExitCode(), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return Extraction{}, fmt.Errorf("run tesseract: %w", err)
	}

	ex, err := ParseTSV(out)
	if err != nil {
		return Extraction{}, err
	}
	if ex.Text == "" {
		return Extraction{}, errors.New("no text found in image")
	}
	return ex, nil
}

// ParseTSV reads tesseract's tsv output. Words on the same line are joined
// with spaces and lines with newlines; confidence is the mean word
// confidence scaled to [0,1].
func ParseTSV(data []byte) (Extraction, error) {
	ex := Extraction{Engine: engineName}
	sc := bufio.NewScanner(bytes.NewReader(data))

	var (
		lines   []string
		current []string
		lineKey string
		confSum float64
		header  = true
	)
	for sc.Scan() {
		if header {
			header = false
			if strings.HasPrefix(sc.Text(), "level") {
				continue
			}
		}
		cols := strings.Split(sc.Text(), "\t")
		if len(cols) < 12 {
			continue
		}
		text := strings.TrimSpace(cols[11])
		conf, err := strconv.ParseFloat(cols[10], 64)
		if err != nil || conf < 0 || text == "" {
			continue
		}

		key := cols[1] + "." + cols[2] + "." + cols[3] + "." + cols[4]
		if key != lineKey && len(current) > 0 {
			lines = append(lines, strings.Join(current, " "))
			current = nil
		}
		lineKey = key
		current = append(current, text)

		b := Box{Text: text, Confidence: conf / 100}
		b.Left, _ = strconv.Atoi(cols[6])
		b.Top, _ = strconv.Atoi(cols[7])
		b.Width, _ = strconv.Atoi(cols[8])
		b.Height, _ = strconv.Atoi(cols[9])
		ex.Boxes = append(ex.Boxes, b)
		confSum += b.Confidence
	}
	if err := sc.Err(); err != nil {
		return Extraction{}, fmt.Errorf("read tesseract output: %w", err)
	}
	if len(current) > 0 {
		lines = append(lines, strings.Join(current, " "))
	}

	ex.Text = strings.Join(lines, "\n")
	if n := len(ex.Boxes); n > 0 {
		ex.Confidence = min(confSum/float64(n), 1)
	}
	return ex, nil
}

var tesseractLangs = map[string]string{
	"en": "eng", "it": "ita", "fr": "fra", "de": "deu", "es": "spa",
	"ja": "jpn", "ko": "kor", "zh": "chi_sim", "ru": "rus", "pt": "por",
}

// TesseractLang maps an ISO 639-1 code to tesseract's language name. Unknown
// hints are passed through unchanged.
func TesseractLang(hint string) string {
	hint = strings.ToLower(strings.TrimSpace(hint))
	if l, ok := tesseractLangs[hint]; ok {
		return l
	}
	return hint
}

var _ Extractor = (*Tesseract)(nil)
