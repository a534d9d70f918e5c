package docscan

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"
)

// FragmentKind tags where an extracted text fragment came from.
type FragmentKind string

const (
	FragmentParagraph FragmentKind = "paragraph"
	FragmentTableCell FragmentKind = "table_cell"
)

// Fragment is one ordered piece of extracted document text. Fragments are
// intermediates for date scanning and are discarded after extraction.
type Fragment struct {
	Kind FragmentKind
	Text string
}

// UnreadableDocumentError reports a file that could not be opened or parsed
// as a .docx document (corrupt, wrong format, or zero-length).
type UnreadableDocumentError struct {
	Path string
	Err  error
}

func (e *UnreadableDocumentError) Error() string {
	return fmt.Sprintf("unreadable document %s: %v", e.Path, e.Err)
}

func (e *UnreadableDocumentError) Unwrap() error { return e.Err }

// ExtractText pulls all readable text out of a .docx file into an ordered
// fragment sequence: top-level paragraphs become paragraph fragments, and
// each table cell (tables traversed in body order, rows top to bottom,
// cells left to right) becomes one table-cell fragment. The traversal
// follows the document body element order directly, so the output is
// deterministic across runs. The source file is never modified.
func ExtractText(path string) ([]Fragment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &UnreadableDocumentError{Path: path, Err: err}
	}
	if info.Size() == 0 {
		return nil, &UnreadableDocumentError{Path: path, Err: fmt.Errorf("zero-length file")}
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, &UnreadableDocumentError{Path: path, Err: err}
	}
	defer zr.Close()

	var body io.ReadCloser
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			body, err = f.Open()
			if err != nil {
				return nil, &UnreadableDocumentError{Path: path, Err: err}
			}
			break
		}
	}
	if body == nil {
		return nil, &UnreadableDocumentError{Path: path, Err: fmt.Errorf("word/document.xml not found")}
	}
	defer body.Close()

	frags, err := walkDocumentXML(body)
	if err != nil {
		return nil, &UnreadableDocumentError{Path: path, Err: err}
	}
	return frags, nil
}

// walkDocumentXML streams WordprocessingML and emits fragments in body
// order. Inside tables the unit of emission is the cell (w:tc); outside
// them it is the paragraph (w:p). Cells can nest tables, so in-progress
// cell text is kept on a stack: an inner cell emits its own fragment, and
// text around the nested table stays with the enclosing cell. Breaks and
// tabs become single spaces so date substrings split across runs still
// scan correctly.
func walkDocumentXML(r io.Reader) ([]Fragment, error) {
	dec := xml.NewDecoder(r)

	var (
		frags     []Fragment
		para      strings.Builder
		cellStack []*strings.Builder
		inPara    bool
		inText    bool
	)

	topCell := func() *strings.Builder {
		return cellStack[len(cellStack)-1]
	}

	emit := func(b *strings.Builder, kind FragmentKind) {
		text := strings.TrimSpace(b.String())
		if text != "" {
			frags = append(frags, Fragment{Kind: kind, Text: text})
		}
		b.Reset()
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parsing document xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "tc":
				cellStack = append(cellStack, &strings.Builder{})
			case "p":
				if len(cellStack) > 0 {
					// paragraph break inside a cell
					if b := topCell(); b.Len() > 0 {
						b.WriteByte(' ')
					}
				} else {
					inPara = true
					para.Reset()
				}
			case "t":
				inText = true
			case "br", "cr", "tab":
				if len(cellStack) > 0 {
					topCell().WriteByte(' ')
				} else if inPara {
					para.WriteByte(' ')
				}
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "tc":
				if n := len(cellStack); n > 0 {
					emit(cellStack[n-1], FragmentTableCell)
					cellStack = cellStack[:n-1]
				}
			case "p":
				if inPara && len(cellStack) == 0 {
					emit(&para, FragmentParagraph)
					inPara = false
				}
			case "t":
				inText = false
			}
		case xml.CharData:
			if !inText {
				break
			}
			if len(cellStack) > 0 {
				topCell().Write(t)
			} else if inPara {
				para.Write(t)
			}
		}
	}

	return frags, nil
}
