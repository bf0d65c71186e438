// Copyright 2024 Google LLC. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package base

import "errors"

func asBlockError(err error, target **BlockError) bool {
	return err != nil && errors.As(err, target)
}

// AsBlockError returns the *BlockError wrapped by err, or nil.
func AsBlockError(err error) *BlockError {
	var be *BlockError
	if asBlockError(err, &be) {
		return be
	}
	return nil
}
