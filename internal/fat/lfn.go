package fat

import (
	"encoding/binary"
	"strings"
	"unicode/utf16"
)

// lfnChecksum computes the checksum stored in every long-name slot,
// derived from the 11-byte short name the slots decorate.
func lfnChecksum(sfn []byte) byte {
	var sum byte
	for i := 0; i < 11; i++ {
		sum = ((sum & 1) << 7) + (sum >> 1) + sfn[i]
	}
	return sum
}

// lfnSlot is a collected long-name directory entry, kept raw until the
// matching 8.3 entry is seen.
type lfnSlot struct {
	seq      byte
	checksum byte
	raw      [dirEntrySize]byte
}

// lfnSlotOffsets lists the byte ranges holding UTF-16LE name units inside
// a slot: 5 units, then 6, then 2.
var lfnSlotOffsets = [][2]int{{1, 5}, {14, 6}, {28, 2}}

// reconstructLFN assembles the long name from collected slots, checking
// that every slot carries the checksum of the following 8.3 entry.
// Returns "" when the slot set is unusable.
func reconstructLFN(slots []lfnSlot, sfnChecksum byte) string {
	if len(slots) == 0 {
		return ""
	}

	// Slots appear on disk highest sequence first. Order by sequence and
	// verify they form 1..n with a consistent checksum.
	bySeq := make(map[int]*lfnSlot, len(slots))
	maxSeq := 0
	for i := range slots {
		s := &slots[i]
		if s.checksum != sfnChecksum {
			return ""
		}
		seq := int(s.seq & lfnSeqMask)
		if seq == 0 {
			return ""
		}
		bySeq[seq] = s
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	if len(bySeq) != maxSeq {
		return ""
	}

	units := make([]uint16, 0, maxSeq*lfnCharsPerSlot)
	for seq := 1; seq <= maxSeq; seq++ {
		s := bySeq[seq]
		if s == nil {
			return ""
		}
		for _, r := range lfnSlotOffsets {
			off, count := r[0], r[1]
			for i := 0; i < count; i++ {
				u := binary.LittleEndian.Uint16(s.raw[off+i*2:])
				units = append(units, u)
			}
		}
	}

	// The name ends at the first 0x0000 unit; 0xFFFF padding follows.
	end := len(units)
	for i, u := range units {
		if u == 0x0000 {
			end = i
			break
		}
	}
	return string(utf16.Decode(units[:end]))
}

// generateLFNSlots builds the on-disk long-name entries for name, in the
// order they are written: highest sequence (flagged last) first.
func generateLFNSlots(name string, sfnChecksum byte) [][dirEntrySize]byte {
	units := utf16.Encode([]rune(name))
	needed := (len(units) + lfnCharsPerSlot - 1) / lfnCharsPerSlot
	if needed == 0 {
		return nil
	}

	// Terminator plus 0xFFFF padding out to a whole number of slots.
	padded := make([]uint16, needed*lfnCharsPerSlot)
	copy(padded, units)
	if len(units) < len(padded) {
		padded[len(units)] = 0x0000
		for i := len(units) + 1; i < len(padded); i++ {
			padded[i] = 0xFFFF
		}
	}

	slots := make([][dirEntrySize]byte, needed)
	for seq := needed; seq >= 1; seq-- {
		var raw [dirEntrySize]byte
		seqByte := byte(seq)
		if seq == needed {
			seqByte |= lfnLastFlag
		}
		raw[0] = seqByte
		raw[11] = attrLongName
		raw[12] = 0
		raw[13] = sfnChecksum
		// first_cluster field stays zero.

		chunk := padded[(seq-1)*lfnCharsPerSlot : seq*lfnCharsPerSlot]
		idx := 0
		for _, r := range lfnSlotOffsets {
			off, count := r[0], r[1]
			for i := 0; i < count; i++ {
				binary.LittleEndian.PutUint16(raw[off+i*2:], chunk[idx])
				idx++
			}
		}
		slots[needed-seq] = raw
	}
	return slots
}

// matchLFN compares a path component against a reconstructed long name,
// case-insensitively.
func matchLFN(component, lfn string) bool {
	return lfn != "" && strings.EqualFold(component, lfn)
}
