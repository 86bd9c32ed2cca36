package catalog

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/encoding/ianaindex"
)

const (
	// DefaultChoiceID is used when the distribution has no software update
	// outline.
	DefaultChoiceID = "su"
	// SoftwareUpdateUI marks the choices outline that names the update choice.
	SoftwareUpdateUI = "SoftwareUpdate"
	// IndirectPrefix marks attribute values that are keys into the string table.
	IndirectPrefix = "SU_"
)

// PackageRef is one package referenced anywhere in a distribution.
type PackageRef struct {
	Name          string `json:"name"`
	Version       string `json:"version,omitempty"`
	RestartAction string `json:"restart_action,omitempty"`
}

// Distribution is the presentation metadata extracted from a distribution
// document for one language.
type Distribution struct {
	ChoiceID    string
	Title       string
	Version     string
	Description string
	PackageRefs map[string]PackageRef
	Strings     map[string]string
}

type distDocument struct {
	Title         string             `xml:"title"`
	Outlines      []distOutline      `xml:"choices-outline"`
	Choices       []distChoice       `xml:"choice"`
	Localizations []distLocalization `xml:"localization"`
}

type distOutline struct {
	UI    string            `xml:"ui,attr"`
	Lines []distOutlineLine `xml:"line"`
}

type distOutlineLine struct {
	Choice string            `xml:"choice,attr"`
	Lines  []distOutlineLine `xml:"line"`
}

type distChoice struct {
	ID          string `xml:"id,attr"`
	Title       string `xml:"title,attr"`
	VersStr     string `xml:"versStr,attr"`
	Description string `xml:"description,attr"`
}

type distPkgRef struct {
	ID           string `xml:"id,attr"`
	Version      string `xml:"version,attr"`
	OnConclusion string `xml:"onConclusion,attr"`
	Content      string `xml:",chardata"`
}

type distLocalization struct {
	Strings []distStrings `xml:"strings"`
}

type distStrings struct {
	Language string `xml:"language,attr"`
	Text     string `xml:",chardata"`
}

// ParseDistribution decodes a distribution document. Documents declaring a
// non UTF-8 encoding are transcoded through the IANA charset registry.
func ParseDistribution(r io.Reader) (*Distribution, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &ParseError{Err: err}
	}

	var doc distDocument
	if err := newDistDecoder(data).Decode(&doc); err != nil {
		return nil, &ParseError{Err: err}
	}
	refs, err := collectPkgRefs(data)
	if err != nil {
		return nil, &ParseError{Err: err}
	}

	choiceID := DefaultChoiceID
	for _, outline := range doc.Outlines {
		if outline.UI == SoftwareUpdateUI && len(outline.Lines) > 0 && outline.Lines[0].Choice != "" {
			choiceID = outline.Lines[0].Choice
			break
		}
	}

	var table map[string]string
	for _, loc := range doc.Localizations {
		for _, s := range loc.Strings {
			if table == nil {
				table = ParseStrings(s.Text)
				continue
			}
			for k, v := range ParseStrings(s.Text) {
				table[k] = v
			}
		}
	}
	if table == nil {
		table = map[string]string{}
	}

	d := &Distribution{
		ChoiceID:    choiceID,
		PackageRefs: make(map[string]PackageRef),
		Strings:     table,
	}
	for _, c := range doc.Choices {
		if c.ID != choiceID {
			continue
		}
		d.Title = resolveIndirect(c.Title, table)
		d.Version = resolveIndirect(c.VersStr, table)
		d.Description = resolveIndirect(c.Description, table)
		break
	}
	if d.Title == "" {
		d.Title = strings.TrimSpace(doc.Title)
	}

	for _, ref := range refs {
		if ref.ID == "" {
			continue
		}
		pr := d.PackageRefs[ref.ID]
		pr.Name = ref.ID
		if ref.Version != "" {
			pr.Version = ref.Version
		}
		if ref.OnConclusion != "" {
			pr.RestartAction = ref.OnConclusion
		}
		d.PackageRefs[ref.ID] = pr
	}
	return d, nil
}

// ParseDistributionFile reads and decodes the distribution at path.
func ParseDistributionFile(path string) (*Distribution, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read distribution %s: %w", path, err)
	}
	d, err := ParseDistribution(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse distribution %s: %w", path, err)
	}
	return d, nil
}

func newDistDecoder(data []byte) *xml.Decoder {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = charsetReader
	return dec
}

// collectPkgRefs returns every pkg-ref element in document order, whatever
// its depth; choices often carry their own.
func collectPkgRefs(data []byte) ([]distPkgRef, error) {
	dec := newDistDecoder(data)
	var refs []distPkgRef
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return refs, nil
		}
		if err != nil {
			return nil, err
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "pkg-ref" {
			continue
		}
		var ref distPkgRef
		if err := dec.DecodeElement(&ref, &se); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
}

func resolveIndirect(value string, table map[string]string) string {
	if strings.HasPrefix(value, IndirectPrefix) {
		if s, ok := table[value]; ok {
			return s
		}
	}
	return value
}

func charsetReader(label string, input io.Reader) (io.Reader, error) {
	enc, err := ianaindex.IANA.Encoding(label)
	if err != nil {
		return nil, fmt.Errorf("unknown charset %q: %w", label, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("unsupported charset %q", label)
	}
	return enc.NewDecoder().Reader(input), nil
}
