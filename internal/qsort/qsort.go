// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.


package qsort


// Select the k-th smallest element from the given slice (k counted from 1).
// Reorders the slice in place. Slice must not contain NaNs
func QSelectFloat32(a []float32, k int) float32 {
	left, right:=0, len(a)-1
	for left<right {
		pivotIndex:=QPartitionFloat32(a, left, right)
		if k-1==pivotIndex {
			return a[pivotIndex]
		} else if k-1<pivotIndex {
			right=pivotIndex-1
		} else {
			left=pivotIndex+1
		}
	}
	return a[k-1]
}

// Partition a[left..right] around a median-of-three pivot. Returns the final pivot index
func QPartitionFloat32(a []float32, left, right int) int {
	mid:=left+(right-left)/2
	if a[mid]<a[left]   { a[mid], a[left]  =a[left], a[mid]   }
	if a[right]<a[left] { a[right], a[left]=a[left], a[right] }
	if a[mid]<a[right]  { a[mid], a[right] =a[right], a[mid]  }
	pivot:=a[right]

	store:=left
	for i:=left; i<right; i++ {
		if a[i]<pivot {
			a[i], a[store]=a[store], a[i]
			store++
		}
	}
	a[store], a[right]=a[right], a[store]
	return store
}

// Select the median from the given slice. For even lengths, returns the average 
// of the two middle elements. Reorders the slice in place. Slice must not contain NaNs
func QSelectMedianFloat32(a []float32) float32 {
	l:=len(a)
	if l==0 { return 0 }
	if (l&1)!=0 {
		return QSelectFloat32(a, (l+1)/2)
	}
	lower:=QSelectFloat32(a, l/2)
	// after selection all elements right of l/2-1 are >= lower, so the upper middle is their minimum
	upper:=a[l/2]
	for _,v:=range a[l/2+1:] {
		if v<upper { upper=v }
	}
	return 0.5*(lower+upper)
}
