package reasoning

import (
	"fmt"
	"strings"

	"github.com/scttfrdmn/thoughtsearch/thought"
)

// proposeExemplars primes the step generator to answer in "Step i:" lines.
const proposeExemplars = `### Instruction: A baker made 24 muffins and sold 17 of them. How many muffins are left?
### Response: Let's think step by step.
Step 1: The baker starts with 24 muffins.
Step 2: The baker sells 17 muffins, so we subtract: 24 - 17 = 7.
Step 3: The answer is 7.

### Instruction: A garden has 4 rows of tulips with 6 tulips in each row. 5 more tulips are planted. How many tulips are there?
### Response: Let's think step by step.
Step 1: Count the tulips in the rows: 4 rows x 6 tulips = 24 tulips.
Step 2: Add the newly planted tulips: 24 + 5 = 29.
Step 3: The answer is 29.

### Instruction: Maya had 50 stickers. She gave 12 to Leo and twice as many to Ana. How many stickers does she have now?
### Response: Let's think step by step.
Step 1: Maya gave 12 stickers to Leo.
Step 2: She gave twice as many to Ana, which is 2 x 12 = 24 stickers.
Step 3: In total she gave away 12 + 24 = 36 stickers.
Step 4: She has 50 - 36 = 14 stickers left.
Step 5: The answer is 14.

`

// subAnswerExemplars primes the structured generator to finish a partially
// reasoned answer.
const subAnswerExemplars = `### Instruction: A baker made 24 muffins and sold 17 of them. How many muffins are left?
### Response: Let's think step by step. The baker made 24 muffins and sold 17, so 24 - 17 = 7 are left. The answer is: 7.

### Instruction: A garden has 4 rows of tulips with 6 tulips in each row. 5 more tulips are planted. How many tulips are there?
### Response: Let's think step by step. The rows hold 4 x 6 = 24 tulips. With 5 more there are 24 + 5 = 29. The answer is: 29.

### Instruction: A train leaves with 120 passengers. At the first stop 35 get off and 18 get on. How many passengers are on the train?
### Response: Let's think step by step. After 35 leave there are 120 - 35 = 85. After 18 board there are 85 + 18 = 103. The answer is: 103.

`

// consistencyExemplars primes the structured generator to compare the final
// results of two answers.
const consistencyExemplars = `You are a consistency checker. Decide whether two answers to the same question reach the same final result, regardless of how they got there. Only the final results matter.

### Question: When I was 6 my sister was 3. Now I'm 56, how old is my sister?
### First answer: The age difference is 6 - 3 = 3 years, so my sister is 56 - 3 = 53.
### Second answer: She is always 3 years younger, so she is 53 now.
CONSISTENT (both arrive at 53)

### Question: I'm thinking of a number. Multiplied by 4 and increased by 10 it gives 26. What is the number?
### First answer: 4x + 10 = 26, so 4x = 16 and x = 4.
### Second answer: The number is 5, since 5 x 4 = 20 and 20 + 10 = 30.
INCONSISTENT (first answer is 4, second answer is 5)

### Question: A rectangle is 8 meters long and 5 meters wide. What is its area?
### First answer: Area is length times width: 8 x 5 = 40 square meters.
### Second answer: 5 x 8 = 40, so the area is 40 square meters.
CONSISTENT (both arrive at 40)

Now check whether the following answers are consistent:

`

// subAnswerSchema requests a single free-text answer.
var subAnswerSchema = thought.Schema{
	Name: "sub_question_answer",
	Fields: []thought.Field{
		{Name: "response", Type: thought.FieldString, Description: "Let's think step by step."},
	},
}

// consistencySchema requests a rationale and a verdict.
var consistencySchema = thought.Schema{
	Name: "consistency_check",
	Fields: []thought.Field{
		{Name: "text_response", Type: thought.FieldString, Description: "Explain why the answers are or are not consistent."},
		{Name: "result", Type: thought.FieldBoolean, Description: "True if consistent, false if not."},
	},
}

// buildProposePrompt asks for a continuation of trajectory towards question.
func buildProposePrompt(question string, trajectory []string) string {
	var b strings.Builder
	b.WriteString(proposeExemplars)
	fmt.Fprintf(&b, "### Instruction: %s\n### Response: Let's think step by step", question)
	for i, step := range trajectory {
		fmt.Fprintf(&b, "\nStep %d: %s", i+1, step)
	}
	return b.String()
}

// buildSubAnswerPrompt asks for an answer to query seeded with the masked steps.
func buildSubAnswerPrompt(query string, masked []string) string {
	var b strings.Builder
	b.WriteString(subAnswerExemplars)
	fmt.Fprintf(&b, "### Instruction: %s\n### Response:", query)
	b.WriteString(" ")
	b.WriteString(strings.Join(masked, " "))
	return b.String()
}

// buildConsistencyPrompt asks whether first and second reach the same result.
func buildConsistencyPrompt(query, first, second string) string {
	var b strings.Builder
	b.WriteString(consistencyExemplars)
	fmt.Fprintf(&b, "### Question: %s\n### First answer: %s\n### Second answer: %s", query, first, second)
	return b.String()
}
