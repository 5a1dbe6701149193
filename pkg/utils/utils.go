/*
CardBridge
Copyright (C) 2024 The CardBridge Authors

This file is part of CardBridge.

CardBridge is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

CardBridge is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with CardBridge.  If not, see <http://www.gnu.org/licenses/>.
*/

package utils

import (
	"golang.org/x/exp/slices"
)

// Contains returns true if slice contains value.
func Contains[T comparable](xs []T, x T) bool {
	return slices.Contains(xs, x)
}
