package compaction

import "bytes"

// selection is the intermediate result SelectNBuffers builds before the
// picker wraps it into a Compaction.
type selection struct {
	sourceLevel int
	outputLevel int
	files       []*FileMetadata // from sourceLevel, adjacent run
	inputs      map[int]LevelFiles
	lastKey     []byte
	// overlapsTarget records that outputLevel had files inside the
	// selected range, whether or not the write-amp guard kept them.
	overlapsTarget bool
}

func (s *selection) inputLevels() []int {
	levels := make([]int, 0, len(s.inputs))
	for lvl := range s.inputs {
		levels = append(levels, lvl)
	}
	return levels
}

// isTrivialMove implements spec.md §4.3 "Trivial-move detection": the
// selection touches only one source level and the output level is
// empty in the selected range.
func (s *selection) isTrivialMove() bool {
	return len(s.inputs) == 1 && !s.overlapsTarget
}

// selectNBuffers implements spec.md §4.3's SelectNBuffers in a reduced
// form: it takes up to nBuffers adjacent files from sourceLevel,
// starting at the first file whose largest key is past the
// sub-compaction cursor's last_key (wrapping to the start of the level
// once the cursor has passed its end). The output level is
// sourceLevel+1, capped at lastLevelInHyper; output-level files that
// overlap the selected key range and lie strictly between the
// neighbouring source files (the lower/upper bounds) join the inputs,
// unless the write-amplification guard rejects them. The number of
// source files is always min(nBuffers, files remaining), and no other
// level of the hyper-level is searched.
func selectNBuffers(v *VersionStorageInfo, sourceLevel, lastLevelInHyper, nBuffers int, cursor *SubCompactionCursor) *selection {
	source := v.level(sourceLevel)
	if len(source) == 0 {
		return nil
	}

	startIdx := 0
	if cursor != nil && cursor.LastKey != nil {
		for i, f := range source {
			if bytes.Compare(f.LargestKey, cursor.LastKey) > 0 {
				startIdx = i
				break
			}
			startIdx = i + 1
		}
	}
	if startIdx >= len(source) {
		startIdx = 0 // wrapped around; resume from the start of the level
	}

	count := nBuffers
	if count < 1 {
		count = 1
	}
	endIdx := startIdx + count
	if endIdx > len(source) {
		endIdx = len(source)
	}
	if endIdx <= startIdx {
		return nil
	}

	selectedFiles := append([]*FileMetadata(nil), source[startIdx:endIdx]...)

	var upperBound, lowerBound []byte
	if startIdx > 0 {
		lowerBound = source[startIdx-1].LargestKey
	}
	if endIdx < len(source) {
		upperBound = source[endIdx].SmallestKey
	}

	outputLevel := sourceLevel + 1
	if outputLevel > lastLevelInHyper {
		outputLevel = lastLevelInHyper
	}

	inputs := map[int]LevelFiles{sourceLevel: selectedFiles}

	smallest, largest := keyRange(selectedFiles)
	targetFiles := v.level(outputLevel)
	var overlapping []*FileMetadata
	for _, f := range targetFiles {
		if withinOpenBounds(f, smallest, largest, lowerBound, upperBound) {
			overlapping = append(overlapping, f)
		}
	}
	if len(overlapping) > 0 {
		inputs[outputLevel] = overlapping
	}

	sourceBytes := totalSize(selectedFiles)
	targetBytes := totalSize(overlapping)
	if !writeAmpGuardAllows(sourceBytes, targetBytes, len(selectedFiles), nBuffers) {
		delete(inputs, outputLevel)
	}

	last := selectedFiles[len(selectedFiles)-1]
	return &selection{
		sourceLevel: sourceLevel,
		outputLevel: outputLevel,
		files:       selectedFiles,
		inputs:      inputs,
		lastKey:     append([]byte(nil), last.LargestKey...),

		overlapsTarget: len(overlapping) > 0,
	}
}

func keyRange(files []*FileMetadata) (smallest, largest []byte) {
	for i, f := range files {
		if i == 0 || bytes.Compare(f.SmallestKey, smallest) < 0 {
			smallest = f.SmallestKey
		}
		if i == 0 || bytes.Compare(f.LargestKey, largest) > 0 {
			largest = f.LargestKey
		}
	}
	return smallest, largest
}

func withinOpenBounds(f *FileMetadata, smallest, largest, lowerBound, upperBound []byte) bool {
	if bytes.Compare(f.LargestKey, smallest) < 0 || bytes.Compare(f.SmallestKey, largest) > 0 {
		return false
	}
	if lowerBound != nil && bytes.Compare(f.LargestKey, lowerBound) <= 0 {
		return false
	}
	if upperBound != nil && bytes.Compare(f.SmallestKey, upperBound) >= 0 {
		return false
	}
	return true
}

func totalSize(files []*FileMetadata) uint64 {
	var total uint64
	for _, f := range files {
		total += f.SizeBytes
	}
	return total
}

// writeAmpGuardAllows implements spec.md §4.3's write-amplification
// guard: stop extending (i.e. drop the target-level overlap) when
// target_bytes/source_bytes > 2 once the source count already exceeds
// the requested buffer count, or when target bytes would exceed 1 GiB.
func writeAmpGuardAllows(sourceBytes, targetBytes uint64, sourceCount, nBuffers int) bool {
	const oneGiB = 1 << 30
	if targetBytes > oneGiB {
		return false
	}
	if sourceCount > nBuffers && sourceBytes > 0 && float64(targetBytes)/float64(sourceBytes) > 2.0 {
		return false
	}
	return true
}
