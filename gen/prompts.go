package gen

// The page image always travels with the text so the service can recover
// layout the text layer lost (tables, stat blocks, sidebars).

const generationSystemPrompt = `You convert scanned book pages into semantically tagged markup.
Preserve every word of visible text. Tag content by what it is (headings,
paragraphs, tables, stat blocks, sidebars, captions), not by how it looks.
Output only the markup, with no commentary and no code fences.`

const generationInstructions = `Convert this page into tagged markup. Use the attached page image
for layout and the extracted text below as the authoritative word content.
Do not add, drop, or paraphrase any text.`

const repairSystemPrompt = `You fix structural errors in markup. Close unclosed tags, match
mismatched tags, and quote attributes. Do not change, add, or remove any
visible text. Output only the corrected markup, with no commentary and no
code fences.`

const repairInstructions = `The markup below failed structural validation. Repair the structure
without altering its text content. The original page text and image are
attached for reference.`
