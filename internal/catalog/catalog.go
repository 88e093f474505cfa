// Copyright 2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package catalog

// This file contains the pool file catalog document that accompanies a
// successful stage-out, it records where each uploaded file now lives.

import (
	"bytes"
	"encoding/xml"
	"strconv"
	"sync"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

const (
	header  = `<?xml version="1.0" encoding="UTF-8" standalone="no" ?>` + "\n"
	doctype = `<!DOCTYPE POOLFILECATALOG SYSTEM "InMemory">` + "\n"
)

// Entry is a single uploaded file
type Entry struct {
	GUID    string
	LFN     string
	SURL    string
	Size    int64
	Adler32 string
}

type lfnXML struct {
	Name string `xml:"name,attr"`
}

type logicalXML struct {
	LFN lfnXML `xml:"lfn"`
}

type metadataXML struct {
	Name  string `xml:"att_name,attr"`
	Value string `xml:"att_value,attr"`
}

type fileXML struct {
	ID       string        `xml:"ID,attr"`
	Logical  logicalXML    `xml:"logical"`
	Metadata []metadataXML `xml:"metadata"`
}

type documentXML struct {
	XMLName xml.Name  `xml:"POOLFILECATALOG"`
	Files   []fileXML `xml:"File"`
}

// Catalog accumulates entries, entries are kept in the order they were added
type Catalog struct {
	entries []Entry
	sync.Mutex
}

// New returns an empty catalog
func New() (c *Catalog) {
	return &Catalog{
		entries: []Entry{},
	}
}

// Add appends an entry
func (c *Catalog) Add(entry Entry) {
	c.Lock()
	defer c.Unlock()
	c.entries = append(c.entries, entry)
}

// Len is the number of entries
func (c *Catalog) Len() int {
	c.Lock()
	defer c.Unlock()
	return len(c.entries)
}

// Entries returns a copy of the entries
func (c *Catalog) Entries() (entries []Entry) {
	c.Lock()
	defer c.Unlock()
	return append([]Entry{}, c.entries...)
}

// Marshal renders the catalog as a POOLFILECATALOG document
func (c *Catalog) Marshal() (data []byte, err kv.Error) {
	doc := documentXML{}
	for _, entry := range c.Entries() {
		doc.Files = append(doc.Files, fileXML{
			ID:      entry.GUID,
			Logical: logicalXML{LFN: lfnXML{Name: entry.LFN}},
			Metadata: []metadataXML{
				{Name: "surl", Value: entry.SURL},
				{Name: "fsize", Value: strconv.FormatInt(entry.Size, 10)},
				{Name: "adler32", Value: entry.Adler32},
			},
		})
	}

	body, errGo := xml.MarshalIndent(doc, "", "  ")
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}

	buf := bytes.NewBufferString(header)
	buf.WriteString(doctype)
	buf.Write(body)
	buf.WriteString("\n")
	return buf.Bytes(), nil
}

// Parse reads a POOLFILECATALOG document
func Parse(data []byte) (c *Catalog, err kv.Error) {
	doc := documentXML{}

	decoder := xml.NewDecoder(bytes.NewReader(data))
	// The DOCTYPE refers to an in memory DTD that is never fetched
	decoder.Strict = false
	if errGo := decoder.Decode(&doc); errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}

	c = New()
	for _, file := range doc.Files {
		entry := Entry{
			GUID: file.ID,
			LFN:  file.Logical.LFN.Name,
		}
		for _, meta := range file.Metadata {
			switch meta.Name {
			case "surl":
				entry.SURL = meta.Value
			case "adler32":
				entry.Adler32 = meta.Value
			case "fsize":
				size, errGo := strconv.ParseInt(meta.Value, 10, 64)
				if errGo != nil {
					return nil, kv.Wrap(errGo).With("guid", file.ID, "fsize", meta.Value, "stack", stack.Trace().TrimRuntime())
				}
				entry.Size = size
			}
		}
		c.Add(entry)
	}
	return c, nil
}
