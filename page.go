package membuf

import "github.com/ncw/directio"

// PageSize is the fixed page size: 4 KiB, matching the SSD tier's O_DIRECT
// block requirements.
const PageSize = 4096

// magicOffset is the length of the debug magic written to the first 8 bytes
// of every page; the payload starts at this offset.
const magicOffset = 8

// pageMagic is a constant debug tag, not a format version; callers never
// need to branch on it.
const pageMagic uint64 = 0x6d656d627566 // "membuf" in hex-ish ascii

// Page is a fixed-size, 512-byte-aligned byte buffer. It is interchangeable
// storage for any buffer frame; the buffer frame holds the *Page, not the
// other way around.
type Page struct {
	buf []byte
}

// NewPage allocates one O_DIRECT-aligned page from the OS, matching the
// alignment a real RDMA memory region registration and SSD O_DIRECT writes
// both require.
func NewPage() *Page {
	p := &Page{buf: directio.AlignedBlock(PageSize)}
	putUint64(p.buf, 0, pageMagic)
	return p
}

// Bytes returns the full page buffer, magic included.
func (p *Page) Bytes() []byte { return p.buf }

// Payload returns the portion of the page available to callers, after the
// debug magic.
func (p *Page) Payload() []byte { return p.buf[magicOffset:] }

// Reset zeroes the payload and re-stamps the magic, reused when a page is
// pulled back off the free list for a new allocation.
func (p *Page) Reset() {
	for i := range p.buf {
		p.buf[i] = 0
	}
	putUint64(p.buf, 0, pageMagic)
}

func putUint64(b []byte, off int, v uint64) {
	for i := 0; i < 8; i++ {
		b[off+i] = byte(v >> (8 * i))
	}
}

// PagePool is a fixed-capacity arena of pre-allocated, aligned pages. Pages
// are handed out and returned exclusively through the free list (see
// freelist.go); the pool only owns the backing allocation.
type PagePool struct {
	pages []*Page
}

// NewPagePool allocates n pages up front; the pool never grows or shrinks
// after construction.
func NewPagePool(n int) *PagePool {
	pp := &PagePool{pages: make([]*Page, n)}
	for i := range pp.pages {
		pp.pages[i] = NewPage()
	}
	return pp
}

// At returns the page at arena index i.
func (pp *PagePool) At(i int) *Page { return pp.pages[i] }

// Len returns the pool capacity.
func (pp *PagePool) Len() int { return len(pp.pages) }
