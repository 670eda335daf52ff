package deid

// Document formats the processor understands.
const (
	FormatTIFF = "tiff"
	FormatPDF  = "pdf"
)

// DefaultDPI is assumed whenever the source container carries no
// resolution tags. Scanned medical documents are overwhelmingly 300dpi.
const DefaultDPI = 300

// DocumentMetadata survives a load → save round trip so the masked
// output keeps the source's resolution and colour characteristics.
type DocumentMetadata struct {
	Format      string            `json:"format"`
	DPIX        float64           `json:"dpi_x,omitempty"`
	DPIY        float64           `json:"dpi_y,omitempty"`
	ColorMode   string            `json:"color_mode,omitempty"`
	Compression string            `json:"compression,omitempty"`
	PageCount   int               `json:"page_count"`
	Extras      map[string]string `json:"extras,omitempty"`
}

// DPI returns the stored resolution, falling back to DefaultDPI.
func (m DocumentMetadata) DPI() (x, y float64) {
	x, y = m.DPIX, m.DPIY
	if x <= 0 {
		x = DefaultDPI
	}
	if y <= 0 {
		y = DefaultDPI
	}
	return x, y
}
