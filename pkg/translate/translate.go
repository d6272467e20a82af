// Copyright 2025 Kadir Pekel
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

// Package translate converts between the Anthropic Messages, OpenAI Chat
// Completions, and Kiro-native conversation formats, including the inline
// tool-call text protocol and its recovery parsers.
package translate

import jsoniter "github.com/json-iterator/go"

// json runs on every request and response body.
var json = jsoniter.ConfigCompatibleWithStandardLibrary
