package script

var sugarRc = `
getmetatable("").__mod = func(a, b)
    if type(b) == 'table' then
        return string.format(a, unpack(b))
    end
    return string.format(a, b)
end

func hex(n) return '%#x' % n end

func u32(s)
    local b1, b2, b3, b4 = string.byte(s, 1, 4)
    return b1 + b2 * 0x100 + b3 * 0x10000 + b4 * 0x1000000
end
`
