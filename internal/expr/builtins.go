package expr

// builtinsPreamble is the script run before every expression; it defines
// nothing itself. Of the whitelisted helper surface (spec §4.A: now(),
// uuid(), JSON.parse/stringify, Object.keys/values/entries,
// Array.prototype.{map,filter,reduce,some,every,slice,includes,sort,join,split},
// String.prototype.*, Math.*), JSON, Object, Array.prototype,
// String.prototype, and Math are already native ES5 globals in otto, and
// now() and uuid() are bound from Go by bindBuiltinFunctions before this
// preamble runs.
const builtinsPreamble = `
void 0;
`
