// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kb

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"

	"github.com/etendosoftware/copilot/pkg/logger"
)

// ExtractedFile is one logical document pulled out of an upload. Archives
// expand to several.
type ExtractedFile struct {
	Name    string
	Content string
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".gif": true,
}

// IsImage reports whether the filename has a supported image extension.
func IsImage(name string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}

// Extract converts an uploaded file to plain text documents by extension.
// Text-like formats pass through, PDF/DOCX/XLSX get native extraction, zip
// archives expand recursively with per-entry failure tolerance.
func Extract(ctx context.Context, name string, data []byte) ([]ExtractedFile, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		content, err := extractPDF(ctx, data)
		if err != nil {
			return nil, err
		}
		return []ExtractedFile{{Name: name, Content: content}}, nil

	case ".docx":
		content, err := extractDocx(data)
		if err != nil {
			return nil, err
		}
		return []ExtractedFile{{Name: name, Content: content}}, nil

	case ".xlsx":
		content, err := extractXlsx(ctx, data)
		if err != nil {
			return nil, err
		}
		return []ExtractedFile{{Name: name, Content: content}}, nil

	case ".zip":
		return extractZip(ctx, name, data)

	default:
		// txt, md, xml, json, csv and source code are indexed as-is.
		return []ExtractedFile{{Name: name, Content: string(data)}}, nil
	}
}

func extractPDF(ctx context.Context, data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to parse PDF: %w", err)
	}

	var parts []string
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			parts = append(parts, fmt.Sprintf("--- Page %d (extraction failed: %v) ---", pageNum, err))
			continue
		}
		if strings.TrimSpace(text) != "" {
			parts = append(parts, fmt.Sprintf("--- Page %d ---\n%s", pageNum, text))
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

func extractDocx(data []byte) (string, error) {
	doc, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to parse Word document: %w", err)
	}
	defer doc.Close()
	return doc.Editable().GetContent(), nil
}

func extractXlsx(ctx context.Context, data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to parse Excel document: %w", err)
	}
	defer f.Close()

	var parts []string
	for _, sheetName := range f.GetSheetList() {
		select {
		case <-ctx.Done():
			return strings.Join(parts, "\n\n"), ctx.Err()
		default:
		}

		var sheet strings.Builder
		sheet.WriteString(fmt.Sprintf("--- Sheet: %s ---\n", sheetName))

		rows, err := f.GetRows(sheetName)
		if err != nil {
			sheet.WriteString(fmt.Sprintf("Error reading sheet: %v\n", err))
			parts = append(parts, sheet.String())
			continue
		}
		for _, row := range rows {
			cells := make([]string, 0, len(row))
			for _, cell := range row {
				if text := strings.TrimSpace(cell); text != "" {
					cells = append(cells, text)
				}
			}
			if len(cells) > 0 {
				sheet.WriteString(strings.Join(cells, " | ") + "\n")
			}
		}
		parts = append(parts, strings.TrimSpace(sheet.String()))
	}
	return strings.Join(parts, "\n\n"), nil
}

// extractZip expands an archive and extracts each entry. A broken entry is
// logged and skipped so the rest of the archive still lands.
func extractZip(ctx context.Context, archiveName string, data []byte) ([]ExtractedFile, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", archiveName, err)
	}

	var out []ExtractedFile
	for _, entry := range reader.File {
		if entry.FileInfo().IsDir() || strings.HasPrefix(filepath.Base(entry.Name), ".") {
			continue
		}

		content, err := readZipEntry(entry)
		if err != nil {
			logger.GetLogger().Warn("Skipping unreadable archive entry",
				"archive", archiveName, "entry", entry.Name, "error", err)
			continue
		}

		files, err := Extract(ctx, entry.Name, content)
		if err != nil {
			logger.GetLogger().Warn("Skipping unparseable archive entry",
				"archive", archiveName, "entry", entry.Name, "error", err)
			continue
		}
		out = append(out, files...)
	}
	return out, nil
}

func readZipEntry(entry *zip.File) ([]byte, error) {
	rc, err := entry.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
