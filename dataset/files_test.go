package dataset

import (
	"strconv"
	"strings"
	"testing"
)

func TestDecodePlainText(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"utf8", []byte("plain utf-8 text"), "plain utf-8 text"},
		{"latin1", []byte{'c', 'a', 'f', 0xE9}, "café"},
		{"empty", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := decodePlainText(tt.data); got != tt.want {
				t.Errorf("decodePlainText = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractTextUnsupported(t *testing.T) {
	if _, err := ExtractText("image.png", []byte{0x89}); err == nil {
		t.Fatal("expected error for unsupported extension")
	}
}

func TestChunkText(t *testing.T) {
	t.Run("short text single chunk", func(t *testing.T) {
		chunks := ChunkText("short", 1000, 100)
		if len(chunks) != 1 || chunks[0] != "short" {
			t.Errorf("chunks = %v, want [short]", chunks)
		}
	})

	t.Run("overlapping windows", func(t *testing.T) {
		text := strings.Repeat("a", 250)
		chunks := ChunkText(text, 100, 20)
		if len(chunks) != 3 {
			t.Fatalf("len(chunks) = %d, want 3", len(chunks))
		}
		if len(chunks[0]) != 100 || len(chunks[1]) != 100 {
			t.Errorf("full chunk lengths = %d, %d, want 100 each", len(chunks[0]), len(chunks[1]))
		}
		if len(chunks[2]) != 90 {
			t.Errorf("tail chunk length = %d, want 90", len(chunks[2]))
		}
	})

	t.Run("reassembly covers everything", func(t *testing.T) {
		text := "abcdefghijklmnopqrstuvwxyz"
		chunks := ChunkText(text, 10, 3)
		var rebuilt strings.Builder
		rebuilt.WriteString(chunks[0])
		for _, c := range chunks[1:] {
			rebuilt.WriteString(c[3:])
		}
		if rebuilt.String() != text {
			t.Errorf("rebuilt = %q, want %q", rebuilt.String(), text)
		}
	})

	t.Run("multibyte runes are not split", func(t *testing.T) {
		text := strings.Repeat("é", 150)
		for _, c := range ChunkText(text, 100, 10) {
			if strings.ContainsRune(c, '�') {
				t.Errorf("chunk contains replacement rune: %q", c)
			}
		}
	})
}

func TestFileToItems(t *testing.T) {
	t.Run("small file single item", func(t *testing.T) {
		items, err := FileToItems("notes.txt", []byte("some plain notes"), 1000, 100)
		if err != nil {
			t.Fatal(err)
		}
		if len(items) != 1 {
			t.Fatalf("len(items) = %d, want 1", len(items))
		}
		it := items[0]
		if it.Instruction != "Content from notes.txt" {
			t.Errorf("instruction = %q", it.Instruction)
		}
		if it.Source != SourceUploadedFile || it.FileName != "notes.txt" || it.TotalChunks != 1 {
			t.Errorf("provenance fields wrong: %+v", it)
		}
	})

	t.Run("large file is chunked with metadata", func(t *testing.T) {
		data := []byte(strings.Repeat("lorem ipsum ", 200))
		items, err := FileToItems("guide.md", data, 500, 50)
		if err != nil {
			t.Fatal(err)
		}
		if len(items) < 2 {
			t.Fatalf("len(items) = %d, want chunked output", len(items))
		}
		for i, it := range items {
			wantInstr := "Content from guide.md (chunk " + strconv.Itoa(i+1) + "/" + strconv.Itoa(len(items)) + ")"
			if it.Instruction != wantInstr {
				t.Errorf("items[%d].Instruction = %q, want %q", i, it.Instruction, wantInstr)
			}
			if it.ChunkIndex != i || it.TotalChunks != len(items) {
				t.Errorf("items[%d] chunk metadata = %d/%d", i, it.ChunkIndex, it.TotalChunks)
			}
		}
	})

	t.Run("empty file rejected", func(t *testing.T) {
		if _, err := FileToItems("empty.txt", []byte("   \n"), 0, 0); err == nil {
			t.Fatal("expected error for empty extraction")
		}
	})
}
