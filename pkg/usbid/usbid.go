package usbid

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// DefaultPaths lists the usual locations of usb.ids.
var DefaultPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// ErrNotFound is returned by [Open] when none of the paths can be read.
var ErrNotFound = errors.New("usb.ids not found")

// Database maps vendor and product IDs to names.
type Database struct {
	vendors  map[uint16]string
	products map[uint32]string // VID<<16 | PID
}

// Open parses the first readable file among paths, or [DefaultPaths] when
// none are given.
func Open(paths ...string) (*Database, error) {
	if len(paths) == 0 {
		paths = DefaultPaths
	}
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		defer f.Close()
		return Parse(f)
	}
	return nil, ErrNotFound
}

// Parse reads the usb.ids format: a vendor line is four hex digits and a
// name, its products follow indented by one tab. Class, language and other
// sections are skipped.
func Parse(r io.Reader) (*Database, error) {
	db := &Database{
		vendors:  make(map[uint16]string),
		products: make(map[uint32]string),
	}

	sc := bufio.NewScanner(r)
	var vid uint16
	inVendor := false
	for sc.Scan() {
		line := sc.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		if line[0] == '\t' {
			if !inVendor || strings.HasPrefix(line, "\t\t") {
				continue
			}
			if id, name, ok := entry(line[1:]); ok {
				db.products[uint32(vid)<<16|uint32(id)] = name
			}
			continue
		}

		id, name, ok := entry(line)
		inVendor = ok
		if ok {
			vid = id
			db.vendors[vid] = name
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return db, nil
}

// entry splits "xxxx  Name".
func entry(s string) (uint16, string, bool) {
	if len(s) < 6 || s[4] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(s[:4], 16, 16)
	if err != nil {
		return 0, "", false
	}
	name := strings.TrimSpace(s[5:])
	if name == "" {
		return 0, "", false
	}
	return uint16(id), name, true
}

// Vendor returns the vendor name, or "" when unknown.
func (db *Database) Vendor(vid uint16) string {
	if db == nil {
		return ""
	}
	return db.vendors[vid]
}

// Product returns the product name, or "" when unknown.
func (db *Database) Product(vid, pid uint16) string {
	if db == nil {
		return ""
	}
	return db.products[uint32(vid)<<16|uint32(pid)]
}

// Describe formats "vvvv:pppp Vendor Product", leaving out unknown names.
func (db *Database) Describe(vid, pid uint16) string {
	s := fmt.Sprintf("%04x:%04x", vid, pid)
	if v := db.Vendor(vid); v != "" {
		s += " " + v
	}
	if p := db.Product(vid, pid); p != "" {
		s += " " + p
	}
	return s
}

// Len returns the number of vendors and products loaded.
func (db *Database) Len() (vendors, products int) {
	if db == nil {
		return 0, 0
	}
	return len(db.vendors), len(db.products)
}
