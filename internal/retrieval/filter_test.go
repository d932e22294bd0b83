package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilter_Validate(t *testing.T) {
	assert.NoError(t, (*Filter)(nil).Validate())
	assert.NoError(t, Equals("course_code", "CS101").Validate())
	assert.NoError(t, In("course_code", "CS101", "MA202").Validate())
	assert.NoError(t, And(Equals("a", "1"), Or(Equals("b", "2"), In("c", "3"))).Validate())

	assert.Error(t, Equals("", "x").Validate())
	assert.Error(t, In("k").Validate())
	assert.Error(t, And().Validate())
	assert.Error(t, And(Equals("a", "1"), nil).Validate())
}

func TestFilter_Matches(t *testing.T) {
	meta := map[string]string{"course_code": "CS101", "content_type": "lecture"}

	assert.True(t, (*Filter)(nil).Matches(meta))
	assert.True(t, Equals("course_code", "CS101").Matches(meta))
	assert.False(t, Equals("course_code", "MA202").Matches(meta))
	assert.True(t, In("course_code", "MA202", "CS101").Matches(meta))
	assert.False(t, In("missing", "x").Matches(meta))
	assert.True(t, And(Equals("course_code", "CS101"), Equals("content_type", "lecture")).Matches(meta))
	assert.False(t, And(Equals("course_code", "CS101"), Equals("content_type", "faq")).Matches(meta))
	assert.True(t, Or(Equals("course_code", "XX"), Equals("content_type", "lecture")).Matches(meta))
	assert.False(t, Or(Equals("course_code", "XX"), Equals("content_type", "faq")).Matches(meta))
}

func TestCompileMilvusFilter(t *testing.T) {
	assert.Equal(t, "", compileMilvusFilter(nil))
	assert.Equal(t, `metadata["course_code"] == "CS101"`,
		compileMilvusFilter(Equals("course_code", "CS101")))
	assert.Equal(t, `metadata["course_code"] in ["CS101", "MA202"]`,
		compileMilvusFilter(In("course_code", "CS101", "MA202")))
	assert.Equal(t,
		`(metadata["course_code"] == "CS101" and metadata["content_type"] == "faq")`,
		compileMilvusFilter(And(Equals("course_code", "CS101"), Equals("content_type", "faq"))))
	// 引号转义进表达式
	assert.Equal(t, `metadata["title"] == "intro \"draft\""`,
		compileMilvusFilter(Equals("title", `intro "draft"`)))
	// 单子节点不加括号
	assert.Equal(t, `metadata["a"] == "1"`, compileMilvusFilter(Or(Equals("a", "1"))))
}

func TestCompileQdrantFilter(t *testing.T) {
	assert.Nil(t, compileQdrantFilter(nil))

	eq := compileQdrantFilter(Equals("course_code", "CS101"))
	assert.Equal(t, "course_code", eq["key"])
	assert.Equal(t, map[string]interface{}{"value": "CS101"}, eq["match"])

	in := compileQdrantFilter(In("course_code", "CS101", "MA202"))
	assert.Equal(t, map[string]interface{}{"any": []string{"CS101", "MA202"}}, in["match"])

	and := compileQdrantFilter(And(Equals("a", "1"), Equals("b", "2")))
	must, ok := and["must"].([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, must, 2)
	assert.Equal(t, "a", must[0]["key"])

	or := compileQdrantFilter(Or(Equals("a", "1"), In("b", "2", "3")))
	should, ok := or["should"].([]map[string]interface{})
	require.True(t, ok)
	assert.Len(t, should, 2)

	// 字段条件做顶层时包一层must，组合条件原样返回
	wrapped := wrapQdrantCondition(eq)
	_, hasKey := wrapped["key"]
	assert.False(t, hasKey)
	assert.Len(t, wrapped["must"], 1)
	assert.Equal(t, and, wrapQdrantCondition(and))
}

func TestCompileSQLFilter(t *testing.T) {
	clause, args := compileSQLFilter(nil)
	assert.Equal(t, "", clause)
	assert.Nil(t, args)

	clause, args = compileSQLFilter(Equals("course_code", "CS101"))
	assert.Equal(t, "metadata->>'course_code' = ?", clause)
	assert.Equal(t, []interface{}{"CS101"}, args)

	clause, args = compileSQLFilter(In("course_code", "CS101", "MA202"))
	assert.Equal(t, "metadata->>'course_code' IN ?", clause)
	assert.Equal(t, []interface{}{[]string{"CS101", "MA202"}}, args)

	clause, args = compileSQLFilter(And(Equals("a", "1"), Or(Equals("b", "2"), Equals("c", "3"))))
	assert.Equal(t, "(metadata->>'a' = ? AND (metadata->>'b' = ? OR metadata->>'c' = ?))", clause)
	assert.Equal(t, []interface{}{"1", "2", "3"}, args)

	// 空IN永假，不退化为全表匹配
	clause, args = compileSQLFilter(In("k"))
	assert.Equal(t, "1 = 0", clause)
	assert.Nil(t, args)

	// 键里的单引号翻倍
	clause, _ = compileSQLFilter(Equals("bad'key", "v"))
	assert.Equal(t, "metadata->>'bad''key' = ?", clause)
}
