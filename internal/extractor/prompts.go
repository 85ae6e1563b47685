package extractor

import (
	"encoding/json"
	"fmt"

	"github.com/wildlark/voice-entry/internal/entry"
)

const systemPrompt = "You are a procurement-list parsing assistant. " +
	"Always answer with a single JSON object and nothing else."

// extractionPrompt builds a fresh entry from dictated speech. unitPrice is
// always the price of the purchase unit (the denominator of specification),
// so total = quantity * unitPrice in purchase units.
const extractionPrompt = `Convert the dictated procurement note into JSON with this shape:
{"supplier":"","notes":"","items":[{"name":"","specification":"","quantity":0,"unit":"","unitPrice":0,"total":0}]}

Rules:
- total = quantity * unitPrice, computed per item.
- specification holds the packaging as "minimum unit/purchase unit" (for
  example "24 bottles/case", "5L/barrel"); for loose goods use the spoken
  attribute; leave empty when none was given.
- unitPrice is the price of the purchase unit named in "unit", never of the
  minimum unit.
- supplier and notes are empty strings when not mentioned.

Dictated note: %s
Output the JSON directly:`

// modificationPrompt edits an existing entry according to a spoken
// instruction: change a field, remove an item (matched loosely by name), or
// append a new one. Untouched items are preserved verbatim.
const modificationPrompt = `The user has an existing procurement list and dictated an instruction to change it.

Current list:
%s

Instruction: %s

Apply the instruction and output the complete updated list as JSON with the
same shape. Recognize three kinds of instruction, possibly combined:
1. Modify: "X is wrong, it should be Y", "change the quantity of X to N".
2. Delete: "remove X", "X is not needed" - match the item name loosely.
3. Add: "add X" - append to items; infer missing price or quantity when
   reasonable, otherwise leave it zero.

Rules:
- total = quantity * unitPrice, recomputed for changed items.
- Keep every item the instruction does not touch exactly as it is.
- When modifying one field, preserve the item's other fields.

Output the updated JSON directly:`

func buildPrompt(text string, current *entry.Result) (string, error) {
	if current == nil || len(current.Items) == 0 {
		return fmt.Sprintf(extractionPrompt, text), nil
	}
	currentJSON, err := json.Marshal(current)
	if err != nil {
		return "", fmt.Errorf("extractor: failed to encode current entry: %w", err)
	}
	return fmt.Sprintf(modificationPrompt, currentJSON, text), nil
}
