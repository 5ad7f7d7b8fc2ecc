package generate

import (
	. "github.com/dave/jennifer/jen"
	"github.com/iancoleman/strcase"
)

// SystemTypeNames lists the primitive types of the system model in
// declaration order. Names are snake case and converted to Go identifiers.
var SystemTypeNames = []string{
	"any",
	"boolean",
	"integer",
	"long",
	"decimal",
	"string",
	"date",
	"date_time",
	"time",
	"quantity",
	"ratio",
	"code",
	"concept",
	"vocabulary",
}

// GenerateSystemTypes renders the SystemType enum together with its name
// tables into f.
func GenerateSystemTypes(f *File, names []string) {
	f.Comment("SystemType is one of the primitive types of the system model.")
	f.Type().Id("SystemType").Int()

	f.Const().DefsFunc(func(g *Group) {
		for i, n := range names {
			if i == 0 {
				g.Id(systemTypeIdent(n)).Id("SystemType").Op("=").Iota()
			} else {
				g.Id(systemTypeIdent(n))
			}
		}
	})

	f.Var().Id("systemTypeNames").Op("=").Index(Op("...")).String().ValuesFunc(func(g *Group) {
		for _, n := range names {
			g.Lit(strcase.ToCamel(n))
		}
	})

	f.Var().Id("systemTypesByName").Op("=").Map(String()).Id("SystemType").Values(DictFunc(func(d Dict) {
		for _, n := range names {
			d[Lit(strcase.ToCamel(n))] = Id(systemTypeIdent(n))
		}
	}))
}

func systemTypeIdent(name string) string {
	return "System" + strcase.ToCamel(name)
}
