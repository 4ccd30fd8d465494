package nnmodel

// Decimate keeps the last sample of every ratio-sized group of src, writing
// len(src)/ratio frames into dst. It returns the number of frames written.
func Decimate(dst, src []float32, ratio int) int {
	if ratio <= 1 {
		return copy(dst, src)
	}
	frames := min(len(src)/ratio, len(dst))
	for i := range frames {
		dst[i] = src[(i+1)*ratio-1]
	}
	return frames
}

// Expand repeats every frame of src ratio times into dst. It returns the number
// of samples written.
func Expand(dst, src []float32, ratio int) int {
	if ratio <= 1 {
		return copy(dst, src)
	}
	n := 0
	for _, v := range src {
		if n+ratio > len(dst) {
			break
		}
		for j := range ratio {
			dst[n+j] = v
		}
		n += ratio
	}
	return n
}
