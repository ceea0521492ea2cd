// Package metainfo parses .torrent files into the content descriptor the
// download engine consumes: piece length, total size, per-file layout and
// the concatenated piece digest string.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"os"

	bencode "github.com/jackpal/bencode-go"
)

const HashSize = 20

type Hash [HashSize]byte

// FileEntry is one element of the ordered file layout (spec: "ordered
// sequence of (relative path, length)"). Path is the list of path
// components relative to the download directory: for a multi-file torrent
// its first component is the torrent's name (the root folder), for a
// single-file torrent it is just that name.
type FileEntry struct {
	Path   []string
	Length int64
}

// Metainfo is the parsed, process-friendly content descriptor.
type Metainfo struct {
	Announce     string
	AnnounceList [][]string
	Comment      string
	CreatedBy    string
	CreationDate int64

	Name        string
	PieceLength int64
	TotalSize   int64
	Files       []FileEntry
	PieceHashes []Hash
	InfoHash    Hash
}

func (m *Metainfo) NumPieces() int {
	return len(m.PieceHashes)
}

// PieceLen returns the actual length of piece i, accounting for the
// shorter final piece.
func (m *Metainfo) PieceLen(index int) int64 {
	if index == m.NumPieces()-1 {
		return m.TotalSize - int64(index)*m.PieceLength
	}
	return m.PieceLength
}

type bencodeFileInfo struct {
	Length uint     `bencode:"length"`
	Path   []string `bencode:"path"`
}

type bencodeTorrentInfo struct {
	Name        string            `bencode:"name"`
	PieceLength uint              `bencode:"piece length"`
	Pieces      string            `bencode:"pieces"`
	Length      uint              `bencode:"length,omitempty"`
	Files       []bencodeFileInfo `bencode:"files,omitempty"`
}

type bencodeTorrent struct {
	Announce     string             `bencode:"announce"`
	AnnounceList [][]string         `bencode:"announce-list,omitempty"`
	Info         bencodeTorrentInfo `bencode:"info"`
	Comment      string             `bencode:"comment,omitempty"`
	CreationDate int64              `bencode:"creation date,omitempty"`
	CreatedBy    string             `bencode:"created by,omitempty"`
}

// ParseFile opens and parses a .torrent file at path.
func ParseFile(path string) (*Metainfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open torrent file: %w", err)
	}
	defer f.Close()

	return Parse(f)
}

// Parse decodes a bencoded .torrent stream into a Metainfo.
func Parse(r io.Reader) (*Metainfo, error) {
	var bt bencodeTorrent
	if err := bencode.Unmarshal(r, &bt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal torrent file: %w", err)
	}

	return fromBencode(bt)
}

func fromBencode(bt bencodeTorrent) (*Metainfo, error) {
	hashesRaw := []byte(bt.Info.Pieces)
	if len(hashesRaw)%HashSize != 0 {
		return nil, fmt.Errorf("received malformed pieces hashes")
	}

	numPieces := len(hashesRaw) / HashSize
	hashes := make([]Hash, numPieces)
	for i := range numPieces {
		copy(hashes[i][:], hashesRaw[i*HashSize:(i+1)*HashSize])
	}

	infoHash, err := computeInfoHash(bt.Info)
	if err != nil {
		return nil, fmt.Errorf("failed to generate info hash: %w", err)
	}

	files, totalSize, err := resolveFiles(bt.Info)
	if err != nil {
		return nil, err
	}

	m := &Metainfo{
		Announce:     bt.Announce,
		AnnounceList: bt.AnnounceList,
		Comment:      bt.Comment,
		CreatedBy:    bt.CreatedBy,
		CreationDate: bt.CreationDate,
		Name:         bt.Info.Name,
		PieceLength:  int64(bt.Info.PieceLength),
		TotalSize:    totalSize,
		Files:        files,
		PieceHashes:  hashes,
		InfoHash:     infoHash,
	}

	return m, nil
}

// resolveFiles builds the ordered file layout. Single-file torrents (the
// bencode "length" key present, no "files" list) are represented as the
// one-element list spec.md mandates; multi-file torrents join each file's
// path components under the torrent's name as root folder.
func resolveFiles(info bencodeTorrentInfo) ([]FileEntry, int64, error) {
	if len(info.Files) == 0 {
		if info.Name == "" {
			return nil, 0, fmt.Errorf("single-file torrent missing name")
		}
		return []FileEntry{{Path: []string{info.Name}, Length: int64(info.Length)}}, int64(info.Length), nil
	}

	files := make([]FileEntry, len(info.Files))
	var total int64
	for i, f := range info.Files {
		path := append([]string{info.Name}, f.Path...)
		files[i] = FileEntry{Path: path, Length: int64(f.Length)}
		total += int64(f.Length)
	}

	return files, total, nil
}

func computeInfoHash(info bencodeTorrentInfo) (Hash, error) {
	buf := new(bytes.Buffer)
	if err := bencode.Marshal(buf, info); err != nil {
		return Hash{}, fmt.Errorf("failed to marshal field 'info': %w", err)
	}

	return sha1.Sum(buf.Bytes()), nil
}
