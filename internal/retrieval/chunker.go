package retrieval

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Chunk 表示分块后的文本片段
type Chunk struct {
	Index int
	Text  string
}

// Chunker 文本分块器。按空行切段落，超限段落降级为行、再降级为
// 句子；相邻分块之间携带前一块尾部的重叠片段以保留上下文。
type Chunker struct {
	chunkSize    int
	chunkOverlap int
}

// NewChunker 创建分块器
func NewChunker(chunkSize, overlap int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 4
	}
	return &Chunker{
		chunkSize:    chunkSize,
		chunkOverlap: overlap,
	}
}

// chunkUnit 组块的最小拼装单元，sep为拼在前一单元之后时的分隔符
type chunkUnit struct {
	text string
	sep  string
}

// Split 将文本切分为多个chunk。空输入返回nil；不超限的输入恰好
// 产生一个chunk。重叠长度不超过前一块的实际长度。
func (c *Chunker) Split(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	normalized := strings.ReplaceAll(text, "\r\n", "\n")

	units := c.collectUnits(normalized)
	if len(units) == 0 {
		return nil
	}

	var texts []string
	current := ""
	for _, unit := range units {
		unitLen := utf8.RuneCountInString(unit.text)
		sepLen := utf8.RuneCountInString(unit.sep)

		if current == "" {
			current = unit.text
			continue
		}
		if utf8.RuneCountInString(current)+sepLen+unitLen <= c.chunkSize {
			current = current + unit.sep + unit.text
			continue
		}

		texts = append(texts, current)

		// 新块以前一块的尾部开头；重叠量受剩余容量和前块长度双重钳制
		avail := c.chunkSize - unitLen - sepLen
		overlap := c.chunkOverlap
		if avail < overlap {
			overlap = avail
		}
		prefix := tailRunes(current, overlap)
		if prefix == "" {
			current = unit.text
		} else {
			current = prefix + unit.sep + unit.text
		}
	}
	if strings.TrimSpace(current) != "" {
		texts = append(texts, current)
	}

	chunks := make([]Chunk, 0, len(texts))
	for i, t := range texts {
		chunks = append(chunks, Chunk{Index: i, Text: t})
	}
	return chunks
}

// collectUnits 逐级拆解文本：段落、行、句子，仍超限则按容量硬切
func (c *Chunker) collectUnits(text string) []chunkUnit {
	var units []chunkUnit
	for _, para := range splitParagraphs(text) {
		if utf8.RuneCountInString(para) <= c.chunkSize {
			units = append(units, chunkUnit{text: para, sep: "\n\n"})
			continue
		}
		for _, line := range strings.Split(para, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if utf8.RuneCountInString(line) <= c.chunkSize {
				units = append(units, chunkUnit{text: line, sep: "\n"})
				continue
			}
			for _, sentence := range splitSentences(line) {
				if utf8.RuneCountInString(sentence) <= c.chunkSize {
					units = append(units, chunkUnit{text: sentence, sep: " "})
					continue
				}
				for _, piece := range c.hardCut(sentence) {
					units = append(units, chunkUnit{text: piece, sep: ""})
				}
			}
		}
	}
	return units
}

// hardCut 对无法再分的超长片段按容量硬切：首片取满chunkSize，
// 后续片预留重叠空间，使拼装后每块仍不超限。
func (c *Chunker) hardCut(text string) []string {
	runes := []rune(text)
	step := c.chunkSize - c.chunkOverlap
	if step <= 0 {
		step = c.chunkSize
	}

	var pieces []string
	end := c.chunkSize
	if end > len(runes) {
		end = len(runes)
	}
	pieces = append(pieces, string(runes[:end]))
	for start := end; start < len(runes); start += step {
		stop := start + step
		if stop > len(runes) {
			stop = len(runes)
		}
		pieces = append(pieces, string(runes[start:stop]))
	}
	return pieces
}

// splitParagraphs 按空行切分段落，段内换行保留
func splitParagraphs(text string) []string {
	var paras []string
	var buf []string
	flush := func() {
		if len(buf) > 0 {
			paras = append(paras, strings.Join(buf, "\n"))
			buf = nil
		}
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		buf = append(buf, line)
	}
	flush()
	return paras
}

// splitSentences 按句末标点加空白切句。全角句号、问号、叹号后
// 不要求空白，中文语料里标点本身就是边界。
func splitSentences(text string) []string {
	runes := []rune(text)
	var sentences []string
	var current []rune

	flush := func() {
		s := strings.TrimSpace(string(current))
		if s != "" {
			sentences = append(sentences, s)
		}
		current = current[:0]
	}

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		current = append(current, r)

		ascii := r == '.' || r == '!' || r == '?'
		fullwidth := r == '。' || r == '！' || r == '？'
		if !ascii && !fullwidth {
			continue
		}
		// 连续标点归入同一句
		for i+1 < len(runes) && isSentenceEnd(runes[i+1]) {
			i++
			current = append(current, runes[i])
		}
		if fullwidth || i+1 >= len(runes) || unicode.IsSpace(runes[i+1]) {
			flush()
		}
	}
	flush()
	return sentences
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}

func tailRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
